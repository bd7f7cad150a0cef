// Package position tracks each position from entry to close or expiry.
// A position's quantity and legs are immutable after entry; only state,
// marks, and close fields mutate. Closed positions are retained for
// audit, never deleted.
package position

import (
	"fmt"
	"time"

	"github.com/quantkit/botcore/internal/execution"
)

type State string

const (
	StatePendingEntry State = "PENDING_ENTRY"
	StateOpen         State = "OPEN"
	StateClosing      State = "CLOSING"
	StateClosed       State = "CLOSED"
	StateExpired      State = "EXPIRED"
	StateEntryFailed  State = "ENTRY_FAILED"
	// StateFrozen marks a position whose broker record is inconsistent.
	// No further automated action; manual reconciliation only.
	StateFrozen State = "FROZEN"
)

var legalTransitions = map[State][]State{
	StatePendingEntry: {StateOpen, StateEntryFailed},
	StateOpen:         {StateClosing, StateExpired, StateFrozen},
	StateClosing:      {StateClosed, StateExpired, StateFrozen},
}

func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateExpired, StateEntryFailed, StateFrozen:
		return true
	}
	return false
}

func (s State) canReach(to State) bool {
	for _, t := range legalTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

type Direction string

const (
	DirectionShort Direction = "short" // entered for a credit; profits as price falls
	DirectionLong  Direction = "long"
)

type Leg struct {
	Side       execution.Side `json:"side"`
	ContractID string         `json:"contract_id"`
	Quantity   int            `json:"quantity"`
}

// AdvisorySnapshot is the recommendation as it stood at entry, kept by
// value so later model retraining cannot rewrite history.
type AdvisorySnapshot struct {
	WinProbability float64 `json:"win_probability"`
	Confidence     float64 `json:"confidence"`
	ModelAgeHours  float64 `json:"model_age_hours"`
	Stale          bool    `json:"stale"`
}

type Position struct {
	ID         string    `json:"id"`
	Strategy   string    `json:"strategy"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Legs       []Leg     `json:"legs"`
	Quantity   int       `json:"quantity"`

	ContractMultiplier float64 `json:"contract_multiplier"`
	EntryPrice         float64 `json:"entry_price"` // structure price per unit at fill
	NotionalUSD        float64 `json:"notional_usd"`

	TargetProfitPct float64   `json:"target_profit_pct"`
	StopLossPct     float64   `json:"stop_loss_pct"`
	ExpiresAt       time.Time `json:"expires_at"`

	OpenedAt    time.Time        `json:"opened_at"`
	EntryRegime string           `json:"entry_regime"`
	Advisory    AdvisorySnapshot `json:"advisory"`

	State            State   `json:"state"`
	EntryOrderID     string  `json:"entry_order_id,omitempty"`
	CloseOrderID     string  `json:"close_order_id,omitempty"`
	CurrentMark      float64 `json:"current_mark"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`

	ExitPrice      float64   `json:"exit_price,omitempty"`
	CloseReason    string    `json:"close_reason,omitempty"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd"`
	FreezeReason   string    `json:"freeze_reason,omitempty"`
}

func (p *Position) transition(to State) error {
	if p.State == to {
		return nil
	}
	if !p.State.canReach(to) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.State, to)
	}
	p.State = to
	return nil
}

// RealizedPnL is the one formula every strategy uses, so aggregate
// risk state stays comparable: (entry - exit) * qty * multiplier for
// short positions, sign-inverted for long.
func RealizedPnL(dir Direction, entry, exit float64, qty int, multiplier float64) float64 {
	pnl := (entry - exit) * float64(qty) * multiplier
	if dir == DirectionLong {
		return -pnl
	}
	return pnl
}

// Exit reason codes, in evaluation priority order.
const (
	ExitHardExpiry        = "HARD_EXPIRY"
	ExitStopLoss          = "STOP_LOSS"
	ExitProfitTarget      = "PROFIT_TARGET"
	ExitSignalInvalidated = "SIGNAL_INVALIDATED"
)

// ExitInputs are the observations one exit evaluation runs against.
type ExitInputs struct {
	Mark   float64
	Regime string
	Now    time.Time
}

// EvaluateExit applies the exit triggers in fixed priority order:
// hard expiry, stop-loss, profit target, signal invalidation. Only the
// first match fires; the ordering is the conservative tie-break (risk
// control outranks profit-taking). Pure and therefore idempotent:
// unchanged inputs give the same decision.
func EvaluateExit(p *Position, in ExitInputs) (string, bool) {
	if !in.Now.Before(p.ExpiresAt) {
		return ExitHardExpiry, true
	}
	if stopBreached(p, in.Mark) {
		return ExitStopLoss, true
	}
	if targetReached(p, in.Mark) {
		return ExitProfitTarget, true
	}
	if in.Regime != "" && p.EntryRegime != "" && in.Regime != p.EntryRegime {
		return ExitSignalInvalidated, true
	}
	return "", false
}

// stopBreached: for a short structure StopLossPct is a percentage of
// the entry credit (200 means exit once the mark reaches 2x credit);
// for a long it is the fraction of entry value lost.
func stopBreached(p *Position, mark float64) bool {
	if p.Direction == DirectionShort {
		return mark >= p.EntryPrice*p.StopLossPct/100
	}
	return mark <= p.EntryPrice*(1-p.StopLossPct/100)
}

func targetReached(p *Position, mark float64) bool {
	if p.Direction == DirectionShort {
		return mark <= p.EntryPrice*(1-p.TargetProfitPct/100)
	}
	return mark >= p.EntryPrice*(1+p.TargetProfitPct/100)
}
