package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantkit/botcore/internal/observ"
)

// State is the single shared risk aggregate. Every worker reads it
// through the gate before entry and the lifecycle manager writes it at
// close; one mutex serializes both so concurrent closes cannot
// double-count a loss or two strategies jointly overrun the account.
type State struct {
	mu sync.Mutex

	sessionDate       string
	dailyPnL          float64
	strategyPnL       map[string]float64
	consecutiveLosses map[string]int
	openNotional      float64
	pendingNotional   float64 // gate-approved entries awaiting a fill

	snapshotPath string
	now          func() time.Time
}

// View is an immutable copy handed to gate checks and the ops surface.
type View struct {
	SessionDate       string             `json:"session_date"`
	DailyPnL          float64            `json:"daily_pnl"`
	StrategyPnL       map[string]float64 `json:"strategy_pnl"`
	ConsecutiveLosses map[string]int     `json:"consecutive_losses"`
	OpenNotional      float64            `json:"open_notional"`
	PendingNotional   float64            `json:"pending_notional"`
}

func NewState(snapshotPath string, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	s := &State{
		strategyPnL:       map[string]float64{},
		consecutiveLosses: map[string]int{},
		snapshotPath:      snapshotPath,
		now:               now,
	}
	s.sessionDate = s.today()
	return s
}

func (s *State) today() string {
	return s.now().UTC().Format("2006-01-02")
}

// View returns a consistent copy of the current state, rolling the
// session first if a new trading day has started.
func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRollLocked()
	return s.viewLocked()
}

func (s *State) viewLocked() View {
	v := View{
		SessionDate:       s.sessionDate,
		DailyPnL:          s.dailyPnL,
		StrategyPnL:       make(map[string]float64, len(s.strategyPnL)),
		ConsecutiveLosses: make(map[string]int, len(s.consecutiveLosses)),
		OpenNotional:      s.openNotional,
		PendingNotional:   s.pendingNotional,
	}
	for k, pnl := range s.strategyPnL {
		v.StrategyPnL[k] = pnl
	}
	for k, n := range s.consecutiveLosses {
		v.ConsecutiveLosses[k] = n
	}
	return v
}

// RecordOpen books a filled entry's notional as open exposure,
// converting the gate reservation made at approval. A fill with no
// prior reservation still books in full.
func (s *State) RecordOpen(strategy string, notionalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRollLocked()
	s.pendingNotional -= notionalUSD
	if s.pendingNotional < 0 {
		s.pendingNotional = 0
	}
	s.openNotional += notionalUSD
	observ.SetOpenNotional(s.openNotional)
}

// ReleasePending frees a gate reservation whose entry never filled.
func (s *State) ReleasePending(notionalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingNotional -= notionalUSD
	if s.pendingNotional < 0 {
		s.pendingNotional = 0
	}
}

// RecordClose releases exposure and applies realized P&L. Called once
// per position close by the lifecycle manager.
func (s *State) RecordClose(strategy string, notionalUSD, realizedPnLUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRollLocked()

	s.openNotional -= notionalUSD
	if s.openNotional < 0 {
		s.openNotional = 0
	}
	s.dailyPnL += realizedPnLUSD
	s.strategyPnL[strategy] += realizedPnLUSD
	if realizedPnLUSD < 0 {
		s.consecutiveLosses[strategy]++
	} else {
		s.consecutiveLosses[strategy] = 0
	}

	observ.SetOpenNotional(s.openNotional)
	observ.SetDailyPnL(s.dailyPnL)
	observ.SetConsecutiveLosses(strategy, s.consecutiveLosses[strategy])
}

// RecordExpiredUnsettled releases exposure for a position that expired
// without a close fill. Its realized P&L is unknown until settlement,
// so neither the day's P&L nor the loss streak moves: an unknown
// outcome must never count as a win and clear an active lockout.
func (s *State) RecordExpiredUnsettled(strategy string, notionalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRollLocked()
	s.openNotional -= notionalUSD
	if s.openNotional < 0 {
		s.openNotional = 0
	}
	observ.SetOpenNotional(s.openNotional)
}

// ClearLockout manually resets a strategy's loss streak (ops action).
func (s *State) ClearLockout(strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveLosses[strategy] = 0
	observ.SetConsecutiveLosses(strategy, 0)
	observ.Log("lockout_cleared", map[string]any{"strategy": strategy})
}

// maybeRollLocked resets session counters when a new UTC trading day
// is first observed, persisting the finished session beforehand.
func (s *State) maybeRollLocked() {
	today := s.today()
	if today == s.sessionDate {
		return
	}
	if err := s.persistLocked(); err != nil {
		observ.Log("risk_snapshot_error", map[string]any{"error": err.Error()})
	}
	observ.Log("risk_session_reset", map[string]any{
		"closed_session": s.sessionDate,
		"daily_pnl":      s.dailyPnL,
	})

	s.sessionDate = today
	s.dailyPnL = 0
	s.strategyPnL = map[string]float64{}
	s.consecutiveLosses = map[string]int{}
	observ.SetDailyPnL(0)
}

// Persist writes the current session snapshot (shutdown path).
func (s *State) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *State) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}
	snap := struct {
		SavedAt string `json:"saved_at"`
		View
	}{
		SavedAt: s.now().UTC().Format(time.RFC3339),
		View:    s.viewLocked(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0755); err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

// Restore loads a snapshot from a prior run of the same session. A
// snapshot from an earlier date is ignored; the session starts fresh.
func (s *State) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap View
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal risk snapshot: %w", err)
	}
	if snap.SessionDate != s.today() {
		return nil
	}
	// Pending reservations never survive a restart; the entries they
	// covered were drained or abandoned with the old process.
	s.sessionDate = snap.SessionDate
	s.dailyPnL = snap.DailyPnL
	s.openNotional = snap.OpenNotional
	s.strategyPnL = snap.StrategyPnL
	s.consecutiveLosses = snap.ConsecutiveLosses
	if s.strategyPnL == nil {
		s.strategyPnL = map[string]float64{}
	}
	if s.consecutiveLosses == nil {
		s.consecutiveLosses = map[string]int{}
	}
	return nil
}
