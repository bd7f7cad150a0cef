package risk

import (
	"fmt"

	"github.com/quantkit/botcore/internal/observ"
)

// Machine-readable veto reasons, recorded verbatim in the audit trail.
const (
	ReasonDailyLossLimit    = "DAILY_LOSS_LIMIT"
	ReasonLossStreakLockout = "LOSS_STREAK_LOCKOUT"
	ReasonExposureCap       = "EXPOSURE_CAP"
)

// ProposedTrade is what a strategy wants to open, as the gate sees it.
type ProposedTrade struct {
	Strategy             string  `json:"strategy"`
	NotionalUSD          float64 `json:"notional_usd"`
	MaxLossUSD           float64 `json:"max_loss_usd"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
}

// Check is one independent veto rule over current risk state plus the
// proposed trade. Pure: no check mutates state.
type Check interface {
	Name() string
	Evaluate(t ProposedTrade, v View) (ok bool, reason string)
}

// Decision reports the outcome of the full chain. Every check is
// always evaluated; a veto names the failing checks rather than
// returning a bare boolean.
type Decision struct {
	Approved     bool     `json:"approved"`
	Checked      []string `json:"checked"`
	FailedChecks []string `json:"failed_checks,omitempty"`
	State        View     `json:"state"`
}

// PrimaryReason is the first failing check, for the scan record's
// single reason-code field.
func (d Decision) PrimaryReason() string {
	if len(d.FailedChecks) == 0 {
		return ""
	}
	return d.FailedChecks[0]
}

type Limits struct {
	DailyLossCapUSD         float64
	PortfolioExposureCapUSD float64
}

// Gate runs the full check chain against shared risk state. It is a
// required dependency: workers cannot be built without one, and there
// is no warn-only path — every failing check is a hard veto.
type Gate struct {
	state  *State
	checks []Check
}

func NewGate(state *State, limits Limits) (*Gate, error) {
	if state == nil {
		return nil, fmt.Errorf("risk gate requires state")
	}
	if limits.DailyLossCapUSD <= 0 || limits.PortfolioExposureCapUSD <= 0 {
		return nil, fmt.Errorf("risk gate requires positive caps")
	}
	return &Gate{
		state: state,
		checks: []Check{
			dailyLossCheck{capUSD: limits.DailyLossCapUSD},
			lossStreakCheck{},
			exposureCheck{capUSD: limits.PortfolioExposureCapUSD},
		},
	}, nil
}

// Evaluate runs every check, unconditionally, and collects all
// failures. A negative notional or max loss is an upstream contract
// breach, not a runtime condition, so it panics.
//
// On approval the proposed notional is reserved against the exposure
// cap inside the same critical section: between gate pass and entry
// fill the order is in flight for seconds, and without the
// reservation a second strategy evaluated in that window would read
// the old open notional and the two could jointly overrun the cap.
// RecordOpen converts the reservation when the fill confirms;
// Release frees it when the entry fails.
func (g *Gate) Evaluate(t ProposedTrade) Decision {
	if t.NotionalUSD < 0 || t.MaxLossUSD < 0 {
		panic(fmt.Sprintf("risk: negative proposed trade %s notional=%.2f max_loss=%.2f",
			t.Strategy, t.NotionalUSD, t.MaxLossUSD))
	}
	if t.MaxConsecutiveLosses <= 0 {
		panic(fmt.Sprintf("risk: strategy %s evaluated without a loss-streak limit", t.Strategy))
	}

	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	g.state.maybeRollLocked()
	v := g.state.viewLocked()

	d := Decision{Approved: true, State: v}
	for _, c := range g.checks {
		d.Checked = append(d.Checked, c.Name())
		ok, reason := c.Evaluate(t, v)
		if !ok {
			d.Approved = false
			d.FailedChecks = append(d.FailedChecks, reason)
			observ.IncGateVeto(reason)
		}
	}
	if d.Approved {
		g.state.pendingNotional += t.NotionalUSD
	}
	return d
}

// Release frees an approved reservation that never became an order.
func (g *Gate) Release(notionalUSD float64) {
	g.state.ReleasePending(notionalUSD)
}

// dailyLossCheck vetoes once current-session realized loss has reached
// the cap. The comparison uses current state, not the projected
// post-trade loss: dailyPnL > -cap.
type dailyLossCheck struct{ capUSD float64 }

func (c dailyLossCheck) Name() string { return "daily_loss" }

func (c dailyLossCheck) Evaluate(_ ProposedTrade, v View) (bool, string) {
	if v.DailyPnL > -c.capUSD {
		return true, ""
	}
	return false, ReasonDailyLossLimit
}

// lossStreakCheck locks a strategy out after too many consecutive
// losing closes, until session reset or manual clear.
type lossStreakCheck struct{}

func (c lossStreakCheck) Name() string { return "loss_streak" }

func (c lossStreakCheck) Evaluate(t ProposedTrade, v View) (bool, string) {
	if v.ConsecutiveLosses[t.Strategy] < t.MaxConsecutiveLosses {
		return true, ""
	}
	return false, ReasonLossStreakLockout
}

// exposureCheck caps portfolio-wide notional, counting both booked
// positions and reservations still awaiting their fill. Strategy-
// agnostic: it is what stops two strategies within their own limits
// from jointly exceeding account capacity.
type exposureCheck struct{ capUSD float64 }

func (c exposureCheck) Name() string { return "exposure" }

func (c exposureCheck) Evaluate(t ProposedTrade, v View) (bool, string) {
	if v.OpenNotional+v.PendingNotional+t.NotionalUSD <= c.capUSD {
		return true, ""
	}
	return false, ReasonExposureCap
}
