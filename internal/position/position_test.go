package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegality(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePendingEntry, StateOpen, true},
		{StatePendingEntry, StateEntryFailed, true},
		{StatePendingEntry, StateClosed, false},
		{StateOpen, StateClosing, true},
		{StateOpen, StateExpired, true},
		{StateOpen, StateFrozen, true},
		{StateOpen, StateClosed, false},
		{StateOpen, StatePendingEntry, false},
		{StateClosing, StateClosed, true},
		{StateClosing, StateExpired, true},
		{StateClosing, StateFrozen, true},
		{StateClosing, StateOpen, false},
		{StateClosed, StateOpen, false},
		{StateExpired, StateClosing, false},
		{StateFrozen, StateOpen, false},
	}
	for _, tc := range tests {
		p := &Position{ID: "p1", State: tc.from}
		err := p.transition(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.to, p.State)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.from, p.State)
		}
	}
}

func TestTransitionSameStateIsNoOp(t *testing.T) {
	p := &Position{ID: "p1", State: StateClosing}
	require.NoError(t, p.transition(StateClosing))
	assert.Equal(t, StateClosing, p.State)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateExpired.Terminal())
	assert.True(t, StateEntryFailed.Terminal())
	assert.True(t, StateFrozen.Terminal())
	assert.False(t, StatePendingEntry.Terminal())
	assert.False(t, StateOpen.Terminal())
	assert.False(t, StateClosing.Terminal())
}

func TestRealizedPnL(t *testing.T) {
	// Short credit: profit when the structure cheapens.
	assert.InDelta(t, 130, RealizedPnL(DirectionShort, 2.0, 0.7, 1, 100), 1e-9)
	// Short stopped out at 4.10 against a 2.00 entry.
	assert.InDelta(t, -630, RealizedPnL(DirectionShort, 2.0, 4.1, 3, 100), 1e-9)
	// Long is the mirror image.
	assert.InDelta(t, -130, RealizedPnL(DirectionLong, 2.0, 0.7, 1, 100), 1e-9)
	assert.InDelta(t, 630, RealizedPnL(DirectionLong, 2.0, 4.1, 3, 100), 1e-9)
}

func exitFixture() *Position {
	return &Position{
		ID:              "p1",
		Direction:       DirectionShort,
		EntryPrice:      2.0,
		TargetProfitPct: 50,
		StopLossPct:     200,
		EntryRegime:     "normal",
		ExpiresAt:       time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateExit(t *testing.T) {
	before := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	after := time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		in        ExitInputs
		reason    string
		triggered bool
	}{
		{"no trigger", ExitInputs{Mark: 1.5, Regime: "normal", Now: before}, "", false},
		{"stop at threshold", ExitInputs{Mark: 4.0, Regime: "normal", Now: before}, ExitStopLoss, true},
		{"stop breached", ExitInputs{Mark: 4.1, Regime: "normal", Now: before}, ExitStopLoss, true},
		{"target at threshold", ExitInputs{Mark: 1.0, Regime: "normal", Now: before}, ExitProfitTarget, true},
		{"target reached", ExitInputs{Mark: 0.7, Regime: "normal", Now: before}, ExitProfitTarget, true},
		{"regime flip", ExitInputs{Mark: 1.5, Regime: "volatile", Now: before}, ExitSignalInvalidated, true},
		{"regime unknown is not a flip", ExitInputs{Mark: 1.5, Regime: "", Now: before}, "", false},
		{"expiry", ExitInputs{Mark: 1.5, Regime: "normal", Now: after}, ExitHardExpiry, true},
		// Priority: expiry outranks stop, stop outranks target signal.
		{"expiry beats stop", ExitInputs{Mark: 4.5, Regime: "normal", Now: after}, ExitHardExpiry, true},
		{"stop beats regime flip", ExitInputs{Mark: 4.5, Regime: "volatile", Now: before}, ExitStopLoss, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reason, triggered := EvaluateExit(exitFixture(), tc.in)
			assert.Equal(t, tc.triggered, triggered)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestEvaluateExitIdempotent(t *testing.T) {
	p := exitFixture()
	in := ExitInputs{Mark: 4.1, Regime: "normal", Now: time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)}
	r1, t1 := EvaluateExit(p, in)
	r2, t2 := EvaluateExit(p, in)
	assert.Equal(t, r1, r2)
	assert.Equal(t, t1, t2)
}

func TestEvaluateExitLongDirection(t *testing.T) {
	p := exitFixture()
	p.Direction = DirectionLong
	p.StopLossPct = 50
	now := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

	// Long debit of 2.0: stop when half the value is gone.
	reason, triggered := EvaluateExit(p, ExitInputs{Mark: 1.0, Regime: "normal", Now: now})
	require.True(t, triggered)
	assert.Equal(t, ExitStopLoss, reason)

	reason, triggered = EvaluateExit(p, ExitInputs{Mark: 3.0, Regime: "normal", Now: now})
	require.True(t, triggered)
	assert.Equal(t, ExitProfitTarget, reason)
}
