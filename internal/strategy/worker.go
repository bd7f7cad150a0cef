// Package strategy runs one scan-cycle evaluation per tick. There is
// a single Worker type; strategy variants differ only by preset.
package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantkit/botcore/internal/advisory"
	"github.com/quantkit/botcore/internal/audit"
	"github.com/quantkit/botcore/internal/config"
	"github.com/quantkit/botcore/internal/execution"
	"github.com/quantkit/botcore/internal/marketdata"
	"github.com/quantkit/botcore/internal/observ"
	"github.com/quantkit/botcore/internal/position"
	"github.com/quantkit/botcore/internal/risk"
	"github.com/quantkit/botcore/internal/sizing"
)

// Scan-cycle reason codes. Every cycle ends in exactly one of these
// (or a risk.Reason* veto code) in the audit record.
const (
	ReasonOutsideWindow         = "OUTSIDE_WINDOW"
	ReasonMarketDataUnavailable = "MARKET_DATA_UNAVAILABLE"
	ReasonAdvisoryUnavailable   = "ADVISORY_UNAVAILABLE"
	ReasonAdvisorySkip          = "ADVISORY_SKIP"
	ReasonMaxOpenPositions      = "MAX_OPEN_POSITIONS"
	ReasonZeroSize              = "ZERO_SIZE"
	ReasonEntryFailed           = "ENTRY_FAILED"
	ReasonOpened                = "OPENED"
)

// Worker owns one strategy's evaluation loop: entry-signal check, then
// strictly Advisory -> Sizer -> Risk Gate -> Execution; no step runs
// ahead of a check that could veto it.
type Worker struct {
	preset  config.StrategyPreset
	advisor advisory.Advisor
	data    marketdata.Provider
	gate    *risk.Gate
	exec    execution.Adapter
	book    *position.Book
	rec     audit.Recorder

	capitalUSD float64
	now        func() time.Time
}

// NewWorker fails fast when any dependency is missing: there is no
// code path where a strategy trades without its risk gate.
func NewWorker(
	preset config.StrategyPreset,
	advisor advisory.Advisor,
	data marketdata.Provider,
	gate *risk.Gate,
	exec execution.Adapter,
	book *position.Book,
	rec audit.Recorder,
	capitalUSD float64,
	now func() time.Time,
) (*Worker, error) {
	if err := preset.Validate(); err != nil {
		return nil, err
	}
	if advisor == nil || data == nil || gate == nil || exec == nil || book == nil || rec == nil {
		return nil, fmt.Errorf("strategy %s: missing required dependency", preset.Name)
	}
	if capitalUSD <= 0 {
		return nil, fmt.Errorf("strategy %s: capital base must be positive", preset.Name)
	}
	if now == nil {
		now = time.Now
	}
	return &Worker{
		preset:     preset,
		advisor:    advisor,
		data:       data,
		gate:       gate,
		exec:       exec,
		book:       book,
		rec:        rec,
		capitalUSD: capitalUSD,
		now:        now,
	}, nil
}

func (w *Worker) Name() string { return w.preset.Name }

func (w *Worker) Interval() time.Duration {
	return time.Duration(w.preset.ScanIntervalSec) * time.Second
}

func (w *Worker) EvalTimeout() time.Duration { return w.preset.EvalTimeout() }

// Evaluate runs one scan cycle and writes exactly one ScanCycleRecord.
func (w *Worker) Evaluate(ctx context.Context) {
	now := w.now()

	if !w.preset.Session.Contains(now) {
		// No advisory call, no lifecycle work; just the window record.
		w.record(now, false, ReasonOutsideWindow, "outside configured trading-session window", "", nil)
		observ.IncScanCycle(w.preset.Name, "skip")
		return
	}

	snap, snapErr := w.data.GetSnapshot(ctx, w.preset.Instrument)
	regime := ""
	if snapErr == nil {
		regime = snap.VolatilityRegime
	}

	// Lifecycle is polled every in-window cycle, even when entry work
	// is impossible; open positions still need exits and reconciling.
	w.book.EvaluateExits(ctx, w.preset.Name, regime)
	w.book.Reconcile(ctx, w.preset.Name)

	if snapErr != nil {
		w.record(now, false, ReasonMarketDataUnavailable,
			fmt.Sprintf("market data unavailable: %v", snapErr), "", nil)
		observ.IncScanCycle(w.preset.Name, "error")
		return
	}

	if w.book.OpenCount(w.preset.Name) >= w.preset.MaxOpen() {
		w.record(now, false, ReasonMaxOpenPositions, "max concurrent positions already open", "", nil)
		observ.IncScanCycle(w.preset.Name, "skip")
		return
	}

	winRate, trades := w.book.RecentPerformance(w.preset.Name)
	rec, err := w.advisor.Recommend(ctx, advisory.MarketContext{
		Strategy:         w.preset.Name,
		Instrument:       w.preset.Instrument,
		VolatilityRegime: snap.VolatilityRegime,
		DayOfWeek:        now.UTC().Weekday(),
		RecentWinRate:    winRate,
		RecentTrades:     trades,
		Features: map[string]float64{
			"spot":        snap.Spot,
			"implied_vol": snap.ImpliedVol,
		},
	})
	if err != nil {
		// Advisory failure is never implicit approval: skip the cycle.
		w.record(now, false, ReasonAdvisoryUnavailable,
			fmt.Sprintf("advisory unavailable: %v", err), "", nil)
		observ.IncScanCycle(w.preset.Name, "error")
		return
	}

	inputs := map[string]any{
		"win_probability": rec.WinProbability,
		"confidence":      rec.Confidence,
		"model_age_hours": rec.ModelAgeHours,
		"stale":           rec.Stale,
		"spot":            snap.Spot,
		"implied_vol":     snap.ImpliedVol,
		"regime":          snap.VolatilityRegime,
	}

	if rec.Action != advisory.ActionEnter {
		w.record(now, true, ReasonAdvisorySkip, "advisory recommends no entry", "", inputs)
		observ.IncScanCycle(w.preset.Name, "skip")
		return
	}

	legs, refPrice, err := w.priceStructure(ctx, snap, now)
	if err != nil {
		w.record(now, true, ReasonMarketDataUnavailable,
			fmt.Sprintf("structure pricing unavailable: %v", err), "", inputs)
		observ.IncScanCycle(w.preset.Name, "error")
		return
	}

	perUnitMaxLoss := w.perUnitMaxLoss(refPrice)
	size := sizing.Size(
		sizing.Inputs{
			AvailableCapitalUSD: w.capitalUSD,
			PerUnitMaxLossUSD:   perUnitMaxLoss,
			WinProbability:      rec.WinProbability,
			Stale:               rec.Stale,
		},
		sizing.Limits{
			PayoffRatio:     w.preset.PayoffRatio,
			MaxRiskFraction: w.preset.MaxRiskFraction,
			MaxContracts:    w.preset.MaxContracts,
		},
	)
	inputs["sizing"] = size
	if size.Quantity == 0 {
		w.record(now, true, ReasonZeroSize, "sizer returned zero quantity (no positive edge)", "", inputs)
		observ.IncScanCycle(w.preset.Name, "skip")
		return
	}

	proposedNotional := perUnitMaxLoss * float64(size.Quantity)
	decision := w.gate.Evaluate(risk.ProposedTrade{
		Strategy:             w.preset.Name,
		NotionalUSD:          proposedNotional,
		MaxLossUSD:           proposedNotional,
		MaxConsecutiveLosses: w.preset.MaxConsecutiveLosses,
	})
	inputs["gate"] = decision
	if !decision.Approved {
		w.record(now, true, decision.PrimaryReason(),
			fmt.Sprintf("risk gate veto: %v", decision.FailedChecks), "", inputs)
		observ.IncScanCycle(w.preset.Name, "veto")
		return
	}

	posID := w.submitEntry(ctx, now, legs, refPrice, proposedNotional, size.Quantity, rec, snap, inputs)
	if posID == "" {
		observ.IncScanCycle(w.preset.Name, "error")
		return
	}
	w.record(now, true, ReasonOpened, "position opened", posID, inputs)
	observ.IncScanCycle(w.preset.Name, "opened")
}

// submitEntry creates the position, submits the entry order, and
// confirms or fails the entry. Returns the position ID on success,
// empty on failure (after writing the cycle record).
func (w *Worker) submitEntry(
	ctx context.Context,
	now time.Time,
	legs []position.Leg,
	refPrice, notionalUSD float64,
	quantity int,
	rec advisory.Recommendation,
	snap marketdata.Snapshot,
	inputs map[string]any,
) string {
	p := &position.Position{
		ID:                 uuid.NewString(),
		Strategy:           w.preset.Name,
		Instrument:         w.preset.Instrument,
		Direction:          w.direction(),
		Legs:               legs,
		Quantity:           quantity,
		ContractMultiplier: w.preset.ContractMultiplier,
		NotionalUSD:        notionalUSD,
		TargetProfitPct:    w.preset.TargetProfitPct,
		StopLossPct:        w.preset.StopLossPct,
		ExpiresAt:          now.Add(time.Duration(w.preset.HoldHours * float64(time.Hour))),
		EntryRegime:        snap.VolatilityRegime,
		Advisory: position.AdvisorySnapshot{
			WinProbability: rec.WinProbability,
			Confidence:     rec.Confidence,
			ModelAgeHours:  rec.ModelAgeHours,
			Stale:          rec.Stale,
		},
	}
	if err := w.book.Create(p); err != nil {
		w.gate.Release(notionalUSD)
		w.record(now, true, ReasonEntryFailed, fmt.Sprintf("position create failed: %v", err), "", inputs)
		return ""
	}

	netSide := execution.SideSell
	if w.direction() == position.DirectionLong {
		netSide = execution.SideBuy
	}
	orderLegs := make([]execution.OrderLeg, len(legs))
	for i, leg := range legs {
		orderLegs[i] = execution.OrderLeg{Side: leg.Side, ContractID: leg.ContractID, Quantity: leg.Quantity}
	}

	observ.IncOrder(w.preset.Name, string(netSide))
	// Same per-order budget the book applies to close submits; the
	// broker call never rides the whole-cycle context alone.
	sctx, cancel := context.WithTimeout(ctx, w.book.ExecTimeout())
	defer cancel()
	fill, err := w.exec.SubmitOrder(sctx, execution.Order{
		ID:             uuid.NewString(),
		Strategy:       w.preset.Name,
		Instrument:     w.preset.Instrument,
		Kind:           execution.KindEntry,
		NetSide:        netSide,
		Legs:           orderLegs,
		Quantity:       quantity,
		RefPrice:       refPrice,
		IdempotencyKey: p.ID + ":entry",
	})
	if err != nil {
		// Not filled means no open risk persists, ever.
		_ = w.book.FailEntry(p.ID, fmt.Sprintf("entry not filled: %v", err))
		w.record(now, true, ReasonEntryFailed, fmt.Sprintf("entry not filled: %v", err), p.ID, inputs)
		return ""
	}
	if err := w.book.ConfirmEntry(p.ID, fill); err != nil {
		_ = w.book.FailEntry(p.ID, fmt.Sprintf("entry confirm failed: %v", err))
		w.record(now, true, ReasonEntryFailed, fmt.Sprintf("entry confirm failed: %v", err), p.ID, inputs)
		return ""
	}
	return p.ID
}

// priceStructure builds the option legs for this cycle and prices the
// whole structure per unit from current marks.
func (w *Worker) priceStructure(ctx context.Context, snap marketdata.Snapshot, now time.Time) ([]position.Leg, float64, error) {
	expiry := now.Add(time.Duration(w.preset.HoldHours * float64(time.Hour)))
	offset := w.preset.StrikeOffsetPct
	if offset <= 0 {
		offset = 2
	}
	shortStrike := math.Round(snap.Spot * (1 - offset/100))
	wingStrike := math.Round(snap.Spot * (1 - (offset+2)/100))

	sellLeg := position.Leg{
		Side:       execution.SideSell,
		ContractID: contractID(w.preset.Instrument, expiry, shortStrike),
		Quantity:   1,
	}
	buyLeg := position.Leg{
		Side:       execution.SideBuy,
		ContractID: contractID(w.preset.Instrument, expiry, wingStrike),
		Quantity:   1,
	}
	if w.direction() == position.DirectionLong {
		sellLeg.Side, buyLeg.Side = execution.SideBuy, execution.SideSell
	}

	legs := []position.Leg{sellLeg, buyLeg}
	var sold, bought float64
	for _, leg := range legs {
		mark, err := w.data.Mark(ctx, leg.ContractID)
		if err != nil {
			return nil, 0, err
		}
		if leg.Side == execution.SideSell {
			sold += mark
		} else {
			bought += mark
		}
	}
	ref := sold - bought
	if w.direction() == position.DirectionLong {
		ref = bought - sold
	}
	if ref <= 0 {
		return nil, 0, fmt.Errorf("structure priced at %.4f, not tradable", ref)
	}
	return legs, ref, nil
}

// perUnitMaxLoss is the loss per contract if the stop fires exactly at
// its threshold.
func (w *Worker) perUnitMaxLoss(refPrice float64) float64 {
	if w.direction() == position.DirectionShort && w.preset.StopLossPct > 100 {
		return refPrice * (w.preset.StopLossPct/100 - 1) * w.preset.ContractMultiplier
	}
	if w.direction() == position.DirectionLong && w.preset.StopLossPct < 100 {
		return refPrice * (w.preset.StopLossPct / 100) * w.preset.ContractMultiplier
	}
	return refPrice * w.preset.ContractMultiplier
}

func (w *Worker) direction() position.Direction {
	if w.preset.Direction == string(position.DirectionLong) {
		return position.DirectionLong
	}
	return position.DirectionShort
}

func (w *Worker) record(ts time.Time, evaluated bool, reason, detail, positionID string, inputs map[string]any) {
	err := w.rec.Cycle(audit.ScanCycleRecord{
		Timestamp:       ts.UTC(),
		Strategy:        w.preset.Name,
		SignalEvaluated: evaluated,
		Reason:          reason,
		Detail:          detail,
		PositionID:      positionID,
		Inputs:          inputs,
	})
	if err != nil {
		observ.Log("audit_write_error", map[string]any{"strategy": w.preset.Name, "error": err.Error()})
	}
}

func contractID(instrument string, expiry time.Time, strike float64) string {
	return fmt.Sprintf("%s-%s-P%d", instrument, expiry.UTC().Format("20060102"), int(strike))
}
