package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantkit/botcore/internal/audit"
	"github.com/quantkit/botcore/internal/execution"
	"github.com/quantkit/botcore/internal/observ"
	"github.com/quantkit/botcore/internal/risk"
)

// MarkSource supplies current marks for individual contracts.
type MarkSource interface {
	Mark(ctx context.Context, contractID string) (float64, error)
}

// Book is the position lifecycle manager. It owns every position in
// the process, is the only writer of position state after entry, and
// the only component that mutates shared risk state at close.
type Book struct {
	mu        sync.Mutex
	positions map[string]*Position
	closed    []*Position

	riskState   *risk.State
	rec         audit.Recorder
	exec        execution.Adapter
	marks       MarkSource
	execTimeout time.Duration
	now         func() time.Time
}

func NewBook(riskState *risk.State, rec audit.Recorder, exec execution.Adapter, marks MarkSource, execTimeout time.Duration, now func() time.Time) (*Book, error) {
	if riskState == nil || rec == nil || exec == nil || marks == nil {
		return nil, fmt.Errorf("position book: missing required dependency")
	}
	if now == nil {
		now = time.Now
	}
	if execTimeout <= 0 {
		execTimeout = 10 * time.Second
	}
	return &Book{
		positions:   map[string]*Position{},
		riskState:   riskState,
		rec:         rec,
		exec:        exec,
		marks:       marks,
		execTimeout: execTimeout,
		now:         now,
	}, nil
}

// Create registers a position awaiting its entry fill.
func (b *Book) Create(p *Position) error {
	if p.Quantity <= 0 || len(p.Legs) == 0 {
		return fmt.Errorf("position: entry requires legs and positive quantity")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.State = StatePendingEntry

	b.mu.Lock()
	b.positions[p.ID] = p
	b.mu.Unlock()

	return b.rec.Transition(audit.TransitionRecord{
		Timestamp:  b.now().UTC(),
		PositionID: p.ID,
		Strategy:   p.Strategy,
		From:       "",
		To:         string(StatePendingEntry),
		Reason:     "ENTRY_SUBMITTED",
		Detail:     fmt.Sprintf("entry submitted for %d x %s", p.Quantity, p.Instrument),
	})
}

// ConfirmEntry moves PENDING_ENTRY to OPEN on a confirmed fill and
// books the notional into shared risk state.
func (b *Book) ConfirmEntry(id string, fill execution.Fill) error {
	b.mu.Lock()
	p, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	if err := p.transition(StateOpen); err != nil {
		b.mu.Unlock()
		return err
	}
	p.EntryOrderID = fill.OrderID
	p.EntryPrice = fill.Price
	p.CurrentMark = fill.Price
	p.OpenedAt = fill.FilledAt
	b.mu.Unlock()

	b.riskState.RecordOpen(p.Strategy, p.NotionalUSD)
	return b.rec.Transition(audit.TransitionRecord{
		Timestamp:  b.now().UTC(),
		PositionID: p.ID,
		Strategy:   p.Strategy,
		From:       string(StatePendingEntry),
		To:         string(StateOpen),
		Reason:     "ENTRY_FILLED",
		Detail:     fmt.Sprintf("filled at %.4f, notional %.2f", fill.Price, p.NotionalUSD),
		Fields: map[string]any{
			"entry_price":  fill.Price,
			"notional_usd": p.NotionalUSD,
			"latency_ms":   fill.LatencyMs,
		},
	})
}

// FailEntry is the no-fill path: the position terminates without ever
// counting as open risk.
func (b *Book) FailEntry(id, detail string) error {
	b.mu.Lock()
	p, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	if err := p.transition(StateEntryFailed); err != nil {
		b.mu.Unlock()
		return err
	}
	b.retireLocked(p)
	b.mu.Unlock()

	// The gate reserved this notional at approval; the entry never
	// filled, so the reservation is freed.
	b.riskState.ReleasePending(p.NotionalUSD)
	return b.rec.Transition(audit.TransitionRecord{
		Timestamp:  b.now().UTC(),
		PositionID: p.ID,
		Strategy:   p.Strategy,
		From:       string(StatePendingEntry),
		To:         string(StateEntryFailed),
		Reason:     "ENTRY_FAILED",
		Detail:     detail,
	})
}

// EvaluateExits is polled once per scan cycle per strategy. It marks
// every live position, fires the first matching exit trigger, and
// drives CLOSING positions toward a confirmed close fill. Evaluating
// an already-terminal position is a no-op, not an error.
func (b *Book) EvaluateExits(ctx context.Context, strategy, regime string) {
	for _, p := range b.live(strategy) {
		b.evaluateOne(ctx, p, regime)
	}
}

func (b *Book) evaluateOne(ctx context.Context, p *Position, regime string) {
	b.mu.Lock()
	state := p.State
	b.mu.Unlock()

	switch state {
	case StateOpen:
		mark, err := b.structureMark(ctx, p)
		if err != nil {
			// Upstream unavailable: skip this cycle, but a position past
			// its own expiry with no obtainable close is EXPIRED, not
			// silently carried.
			if !b.now().Before(p.ExpiresAt) {
				b.expire(p, "expiry passed with market data unavailable")
				return
			}
			observ.Log("mark_unavailable", map[string]any{"position_id": p.ID, "error": err.Error()})
			return
		}

		b.mu.Lock()
		p.CurrentMark = mark
		p.UnrealizedPnLUSD = RealizedPnL(p.Direction, p.EntryPrice, mark, p.Quantity, p.ContractMultiplier)
		reason, triggered := EvaluateExit(p, ExitInputs{Mark: mark, Regime: regime, Now: b.now()})
		if !triggered {
			b.mu.Unlock()
			return
		}
		if err := p.transition(StateClosing); err != nil {
			b.mu.Unlock()
			observ.Log("transition_error", map[string]any{"position_id": p.ID, "error": err.Error()})
			return
		}
		p.CloseReason = reason
		b.mu.Unlock()

		_ = b.rec.Transition(audit.TransitionRecord{
			Timestamp:  b.now().UTC(),
			PositionID: p.ID,
			Strategy:   p.Strategy,
			From:       string(StateOpen),
			To:         string(StateClosing),
			Reason:     reason,
			Detail:     fmt.Sprintf("exit triggered at mark %.4f (entry %.4f)", mark, p.EntryPrice),
			Fields:     map[string]any{"mark": mark, "entry_price": p.EntryPrice},
		})
		b.attemptClose(ctx, p)

	case StateClosing:
		// Close attempt from a prior cycle did not confirm; try again.
		b.attemptClose(ctx, p)

	default:
		// Terminal or pending: nothing to evaluate.
	}
}

// attemptClose submits the closing order. A timeout or error leaves
// the position CLOSING for the next cycle, unless its own expiry has
// passed, in which case it is EXPIRED with unknown realized P&L.
func (b *Book) attemptClose(ctx context.Context, p *Position) {
	cctx, cancel := context.WithTimeout(ctx, b.execTimeout)
	defer cancel()

	order := execution.Order{
		ID:             uuid.NewString(),
		Strategy:       p.Strategy,
		Instrument:     p.Instrument,
		Kind:           execution.KindClose,
		NetSide:        closingSide(p.Direction),
		Legs:           invertLegs(p.Legs),
		Quantity:       p.Quantity,
		RefPrice:       p.CurrentMark,
		IdempotencyKey: p.ID + ":close",
	}
	fill, err := b.exec.SubmitOrder(cctx, order)
	if err != nil {
		observ.Log("close_not_filled", map[string]any{
			"position_id": p.ID, "strategy": p.Strategy, "error": err.Error(),
		})
		if !b.now().Before(p.ExpiresAt) {
			b.expire(p, "expiry passed with no close fill obtained")
		}
		return
	}

	pnl := RealizedPnL(p.Direction, p.EntryPrice, fill.Price, p.Quantity, p.ContractMultiplier)

	b.mu.Lock()
	if err := p.transition(StateClosed); err != nil {
		b.mu.Unlock()
		observ.Log("transition_error", map[string]any{"position_id": p.ID, "error": err.Error()})
		return
	}
	p.CloseOrderID = fill.OrderID
	p.ExitPrice = fill.Price
	p.ClosedAt = fill.FilledAt
	p.RealizedPnLUSD = pnl
	b.retireLocked(p)
	b.mu.Unlock()

	b.riskState.RecordClose(p.Strategy, p.NotionalUSD, pnl)
	observ.IncExit(p.Strategy, p.CloseReason)
	_ = b.rec.Transition(audit.TransitionRecord{
		Timestamp:  b.now().UTC(),
		PositionID: p.ID,
		Strategy:   p.Strategy,
		From:       string(StateClosing),
		To:         string(StateClosed),
		Reason:     p.CloseReason,
		Detail:     fmt.Sprintf("closed at %.4f, realized %.2f", fill.Price, pnl),
		Fields: map[string]any{
			"exit_price":       fill.Price,
			"realized_pnl_usd": pnl,
		},
	})
}

// expire records the critical condition: the instrument expired with
// no close fill, so realized P&L is unknown until settlement.
func (b *Book) expire(p *Position, detail string) {
	b.mu.Lock()
	from := p.State
	if err := p.transition(StateExpired); err != nil {
		b.mu.Unlock()
		return
	}
	b.retireLocked(p)
	b.mu.Unlock()

	// Exposure is released, but the outcome is unknown: neither daily
	// P&L nor the loss streak moves until settlement data arrives via
	// manual reconciliation. In particular an expiry must never pass
	// for a win and clear a loss-streak lockout.
	b.riskState.RecordExpiredUnsettled(p.Strategy, p.NotionalUSD)
	observ.IncExit(p.Strategy, "expired")
	_ = b.rec.CriticalEvent(audit.CriticalRecord{
		Timestamp:  b.now().UTC(),
		Strategy:   p.Strategy,
		PositionID: p.ID,
		Code:       "POSITION_EXPIRED_UNSETTLED",
		Detail:     detail,
	})
	_ = b.rec.Transition(audit.TransitionRecord{
		Timestamp:  b.now().UTC(),
		PositionID: p.ID,
		Strategy:   p.Strategy,
		From:       string(from),
		To:         string(StateExpired),
		Reason:     ExitHardExpiry,
		Detail:     detail,
	})
}

// Reconcile cross-checks open positions against the broker. A position
// whose entry order the broker no longer knows is frozen for manual
// reconciliation; the system never guesses and closes or reopens it.
func (b *Book) Reconcile(ctx context.Context, strategy string) {
	for _, p := range b.live(strategy) {
		b.mu.Lock()
		state, orderID := p.State, p.EntryOrderID
		b.mu.Unlock()
		if state != StateOpen || orderID == "" {
			continue
		}

		status, err := b.exec.GetOrderStatus(ctx, orderID)
		if err != nil {
			continue // upstream unavailable; try next cycle
		}
		if status != execution.StatusUnknown {
			continue
		}

		b.mu.Lock()
		if err := p.transition(StateFrozen); err != nil {
			b.mu.Unlock()
			continue
		}
		p.FreezeReason = "no matching broker record for entry order"
		b.retireLocked(p)
		b.mu.Unlock()

		// Exposure stays booked: until reconciliation says otherwise
		// the conservative assumption is that the risk is still live.
		_ = b.rec.CriticalEvent(audit.CriticalRecord{
			Timestamp:  b.now().UTC(),
			Strategy:   p.Strategy,
			PositionID: p.ID,
			Code:       "POSITION_FROZEN",
			Detail:     p.FreezeReason,
		})
	}
}

// ExecTimeout is the per-order submit budget. Entry submits share it
// so no broker call ever runs on an unbounded context.
func (b *Book) ExecTimeout() time.Duration { return b.execTimeout }

// OpenCount reports live (pending or open) positions for a strategy.
func (b *Book) OpenCount(strategy string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.positions {
		if p.Strategy == strategy {
			n++
		}
	}
	return n
}

// RecentPerformance summarizes the strategy's closed positions this
// process lifetime, feeding the advisory's recent-performance feature.
func (b *Book) RecentPerformance(strategy string) (winRate float64, trades int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wins := 0
	for _, p := range b.closed {
		if p.Strategy != strategy || p.State != StateClosed {
			continue
		}
		trades++
		if p.RealizedPnLUSD > 0 {
			wins++
		}
	}
	if trades == 0 {
		return 0.5, 0
	}
	return float64(wins) / float64(trades), trades
}

// Get returns a copy; callers never hold a live pointer.
func (b *Book) Get(id string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[id]; ok {
		return *p, true
	}
	for _, p := range b.closed {
		if p.ID == id {
			return *p, true
		}
	}
	return Position{}, false
}

// Snapshot returns copies of all positions, live then retired.
func (b *Book) Snapshot() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions)+len(b.closed))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	for _, p := range b.closed {
		out = append(out, *p)
	}
	return out
}

func (b *Book) live(strategy string) []*Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Strategy == strategy {
			out = append(out, p)
		}
	}
	return out
}

// retireLocked moves a terminal position to the closed partition.
// Retained forever; audit needs the history.
func (b *Book) retireLocked(p *Position) {
	delete(b.positions, p.ID)
	b.closed = append(b.closed, p)
}

// structureMark prices the whole structure per unit from leg marks.
func (b *Book) structureMark(ctx context.Context, p *Position) (float64, error) {
	var sold, bought float64
	for _, leg := range p.Legs {
		mark, err := b.marks.Mark(ctx, leg.ContractID)
		if err != nil {
			return 0, err
		}
		weight := float64(leg.Quantity) / float64(p.Quantity)
		if leg.Side == execution.SideSell {
			sold += mark * weight
		} else {
			bought += mark * weight
		}
	}
	if p.Direction == DirectionShort {
		return sold - bought, nil
	}
	return bought - sold, nil
}

func closingSide(dir Direction) execution.Side {
	if dir == DirectionShort {
		return execution.SideBuy
	}
	return execution.SideSell
}

func invertLegs(legs []Leg) []execution.OrderLeg {
	out := make([]execution.OrderLeg, len(legs))
	for i, leg := range legs {
		side := execution.SideBuy
		if leg.Side == execution.SideBuy {
			side = execution.SideSell
		}
		out[i] = execution.OrderLeg{Side: side, ContractID: leg.ContractID, Quantity: leg.Quantity}
	}
	return out
}
