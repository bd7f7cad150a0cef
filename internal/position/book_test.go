package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/botcore/internal/audit"
	"github.com/quantkit/botcore/internal/execution"
	"github.com/quantkit/botcore/internal/marketdata"
	"github.com/quantkit/botcore/internal/risk"
)

var bookNow = time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

type bookFixture struct {
	book  *Book
	state *risk.State
	rec   *audit.Mem
	exec  *execution.Mock
	marks *marketdata.Mock
	now   time.Time
}

func newBookFixture(t *testing.T) *bookFixture {
	t.Helper()
	f := &bookFixture{
		state: risk.NewState("", nil),
		rec:   &audit.Mem{},
		exec:  &execution.Mock{},
		marks: &marketdata.Mock{Marks: map[string]float64{}},
		now:   bookNow,
	}
	book, err := NewBook(f.state, f.rec, f.exec, f.marks, time.Second, func() time.Time { return f.now })
	require.NoError(t, err)
	f.book = book
	return f
}

// openShort creates and fills a one-lot short credit structure:
// entry 2.00, target 50%, stop 200%, notional 200, expiring 21:00 UTC.
func (f *bookFixture) openShort(t *testing.T) string {
	t.Helper()
	p := &Position{
		Strategy:   "spx-put-credit",
		Instrument: "SPX",
		Direction:  DirectionShort,
		Legs: []Leg{
			{Side: execution.SideSell, ContractID: "A", Quantity: 1},
			{Side: execution.SideBuy, ContractID: "B", Quantity: 1},
		},
		Quantity:           1,
		ContractMultiplier: 100,
		NotionalUSD:        200,
		TargetProfitPct:    50,
		StopLossPct:        200,
		ExpiresAt:          time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC),
		EntryRegime:        "normal",
	}
	require.NoError(t, f.book.Create(p))
	require.NoError(t, f.book.ConfirmEntry(p.ID, execution.Fill{
		OrderID: "ord-" + p.ID, Price: 2.0, FilledAt: f.now,
	}))
	return p.ID
}

func TestBookEntryLifecycle(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	p, ok := f.book.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateOpen, p.State)
	assert.InDelta(t, 2.0, p.EntryPrice, 1e-9)
	assert.Equal(t, 1, f.book.OpenCount("spx-put-credit"))
	assert.InDelta(t, 200, f.state.View().OpenNotional, 1e-9)

	require.Len(t, f.rec.Transitions, 2)
	assert.Equal(t, "ENTRY_SUBMITTED", f.rec.Transitions[0].Reason)
	assert.Equal(t, "ENTRY_FILLED", f.rec.Transitions[1].Reason)
}

func TestBookFailEntry(t *testing.T) {
	f := newBookFixture(t)
	p := &Position{
		Strategy: "spx-put-credit",
		Legs:     []Leg{{Side: execution.SideSell, ContractID: "A", Quantity: 1}},
		Quantity: 1,
	}
	require.NoError(t, f.book.Create(p))
	require.NoError(t, f.book.FailEntry(p.ID, "entry not filled: timeout"))

	got, ok := f.book.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateEntryFailed, got.State)
	assert.Equal(t, 0, f.book.OpenCount("spx-put-credit"))
	// A position that never filled never counted as open risk.
	assert.Zero(t, f.state.View().OpenNotional)
}

func TestBookCreateValidation(t *testing.T) {
	f := newBookFixture(t)
	assert.Error(t, f.book.Create(&Position{Quantity: 0, Legs: []Leg{{ContractID: "A"}}}))
	assert.Error(t, f.book.Create(&Position{Quantity: 1}))
}

func TestBookProfitTargetClose(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	// Structure mark 0.8 - 0.1 = 0.70, at or under the 1.00 target.
	f.marks.Marks = map[string]float64{"A": 0.8, "B": 0.1}
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, ok := f.book.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, ExitProfitTarget, p.CloseReason)
	assert.InDelta(t, 0.7, p.ExitPrice, 1e-9)
	assert.InDelta(t, 130, p.RealizedPnLUSD, 1e-9)

	v := f.state.View()
	assert.InDelta(t, 130, v.DailyPnL, 1e-9)
	assert.Zero(t, v.OpenNotional)
	assert.Equal(t, 0, v.ConsecutiveLosses["spx-put-credit"])

	orders := f.exec.SubmittedOrders()
	require.Len(t, orders, 1)
	closeOrd := orders[0]
	assert.Equal(t, execution.KindClose, closeOrd.Kind)
	assert.Equal(t, execution.SideBuy, closeOrd.NetSide)
	assert.Equal(t, id+":close", closeOrd.IdempotencyKey)
	// Legs invert: buy back the sold leg, sell the wing.
	assert.Equal(t, execution.SideBuy, closeOrd.Legs[0].Side)
	assert.Equal(t, execution.SideSell, closeOrd.Legs[1].Side)
}

func TestBookStopLossClose(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	// Structure mark 4.10 against a 2.00 entry breaches the 2x stop.
	f.marks.Marks = map[string]float64{"A": 4.2, "B": 0.1}
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, ExitStopLoss, p.CloseReason)
	assert.InDelta(t, -210, p.RealizedPnLUSD, 1e-9)

	v := f.state.View()
	assert.InDelta(t, -210, v.DailyPnL, 1e-9)
	assert.Equal(t, 1, v.ConsecutiveLosses["spx-put-credit"])
}

func TestBookRegimeFlipClose(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	f.marks.Marks = map[string]float64{"A": 1.6, "B": 0.1}
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "volatile")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, ExitSignalInvalidated, p.CloseReason)
}

func TestBookCloseRetriesAcrossCycles(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	f.marks.Marks = map[string]float64{"A": 0.8, "B": 0.1}
	f.exec.Err = execution.ErrNotFilled
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	require.Equal(t, StateClosing, p.State)
	// Exposure stays booked until the close confirms.
	assert.InDelta(t, 200, f.state.View().OpenNotional, 1e-9)

	f.exec.Err = nil
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ = f.book.Get(id)
	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, ExitProfitTarget, p.CloseReason)

	orders := f.exec.SubmittedOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, orders[0].IdempotencyKey, orders[1].IdempotencyKey)
}

func TestBookMarkUnavailableSkipsCycle(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	f.marks.MarkErr = marketdata.ErrProviderUnavailable
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateOpen, p.State)
	assert.Empty(t, f.exec.SubmittedOrders())
}

func TestBookExpiresWhenMarksUnavailable(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	f.marks.MarkErr = marketdata.ErrProviderUnavailable
	f.now = time.Date(2026, 8, 26, 21, 30, 0, 0, time.UTC)
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateExpired, p.State)
	// Realized P&L unknown until settlement; exposure is released.
	assert.Zero(t, p.RealizedPnLUSD)
	assert.Zero(t, f.state.View().OpenNotional)

	require.Len(t, f.rec.Criticals, 1)
	assert.Equal(t, "POSITION_EXPIRED_UNSETTLED", f.rec.Criticals[0].Code)
	assert.Equal(t, id, f.rec.Criticals[0].PositionID)
}

func TestBookExpiresWhenCloseNeverFills(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)

	f.marks.Marks = map[string]float64{"A": 1.6, "B": 0.1}
	f.exec.Err = execution.ErrNotFilled
	f.now = time.Date(2026, 8, 26, 21, 30, 0, 0, time.UTC)
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateExpired, p.State)
	require.Len(t, f.rec.Criticals, 1)
	assert.Equal(t, "POSITION_EXPIRED_UNSETTLED", f.rec.Criticals[0].Code)

	last := f.rec.Transitions[len(f.rec.Transitions)-1]
	assert.Equal(t, string(StateClosing), last.From)
	assert.Equal(t, string(StateExpired), last.To)
}

func TestBookExpiryDoesNotClearLossStreak(t *testing.T) {
	f := newBookFixture(t)
	f.state.RecordClose("spx-put-credit", 0, -100)
	f.state.RecordClose("spx-put-credit", 0, -50)
	require.Equal(t, 2, f.state.View().ConsecutiveLosses["spx-put-credit"])

	id := f.openShort(t)
	f.marks.MarkErr = marketdata.ErrProviderUnavailable
	f.now = time.Date(2026, 8, 26, 21, 30, 0, 0, time.UTC)
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	p, _ := f.book.Get(id)
	require.Equal(t, StateExpired, p.State)

	v := f.state.View()
	// The expiry's outcome is unknown; it must not pass for a win and
	// clear the lockout, and it must not move the day's P&L either.
	assert.Equal(t, 2, v.ConsecutiveLosses["spx-put-credit"])
	assert.InDelta(t, -150, v.DailyPnL, 1e-9)
	assert.Zero(t, v.OpenNotional)
}

func TestBookReconcileFreezesUnknownEntry(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)
	f.exec.StatusFor = map[string]execution.Status{} // broker knows nothing

	f.book.Reconcile(context.Background(), "spx-put-credit")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateFrozen, p.State)
	require.Len(t, f.rec.Criticals, 1)
	assert.Equal(t, "POSITION_FROZEN", f.rec.Criticals[0].Code)
	// Conservative: frozen risk stays booked until manually reconciled.
	assert.InDelta(t, 200, f.state.View().OpenNotional, 1e-9)
}

func TestBookReconcileLeavesKnownOrders(t *testing.T) {
	f := newBookFixture(t)
	id := f.openShort(t)
	f.exec.StatusFor = map[string]execution.Status{
		"ord-" + id: execution.StatusFilled,
	}

	f.book.Reconcile(context.Background(), "spx-put-credit")

	p, _ := f.book.Get(id)
	assert.Equal(t, StateOpen, p.State)
	assert.Empty(t, f.rec.Criticals)
}

func TestBookTerminalEvaluateIsNoOp(t *testing.T) {
	f := newBookFixture(t)
	f.openShort(t)
	f.marks.Marks = map[string]float64{"A": 0.8, "B": 0.1}
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	before := len(f.rec.Transitions)
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")
	assert.Len(t, f.rec.Transitions, before)
	assert.Len(t, f.exec.SubmittedOrders(), 1)
}

func TestBookRecentPerformance(t *testing.T) {
	f := newBookFixture(t)
	winRate, trades := f.book.RecentPerformance("spx-put-credit")
	assert.InDelta(t, 0.5, winRate, 1e-9)
	assert.Zero(t, trades)

	f.openShort(t)
	f.marks.Marks = map[string]float64{"A": 0.8, "B": 0.1} // winner
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	f.openShort(t)
	f.marks.Marks = map[string]float64{"A": 4.2, "B": 0.1} // stopped out
	f.book.EvaluateExits(context.Background(), "spx-put-credit", "normal")

	winRate, trades = f.book.RecentPerformance("spx-put-credit")
	assert.Equal(t, 2, trades)
	assert.InDelta(t, 0.5, winRate, 1e-9)
}
