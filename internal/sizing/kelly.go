// Package sizing converts an advisory recommendation plus account
// state into a contract count using a fractional-Kelly formula with
// hard caps.
package sizing

import "math"

type Inputs struct {
	AvailableCapitalUSD float64
	PerUnitMaxLossUSD   float64
	WinProbability      float64
	Stale               bool
}

type Limits struct {
	PayoffRatio     float64 // R: payoff per unit risked for the structure
	MaxRiskFraction float64 // hard clamp on the Kelly fraction
	MaxContracts    int     // ceiling independent of the formula
}

// Result carries the quantity plus enough detail for the audit record
// to explain it.
type Result struct {
	Quantity      int     `json:"quantity"`
	KellyFraction float64 `json:"kelly_fraction"` // after discount and clamp
	RawFraction   float64 `json:"raw_fraction"`   // straight from the formula
	Capped        bool    `json:"capped"`         // MaxContracts ceiling hit
	StaleDiscount bool    `json:"stale_discount"` // fraction halved for stale model
}

// Size computes f = (p(1+R) - 1) / R, halves it when the advisory is
// stale, clamps to [0, MaxRiskFraction], converts to contracts via
// available capital over per-unit max loss, floors to a whole lot, and
// applies the MaxContracts ceiling. Negative expectancy sizes to zero,
// never negative.
func Size(in Inputs, lim Limits) Result {
	var res Result
	if lim.PayoffRatio <= 0 || in.PerUnitMaxLossUSD <= 0 || in.AvailableCapitalUSD <= 0 {
		return res
	}

	r := lim.PayoffRatio
	f := (in.WinProbability*(1+r) - 1) / r
	res.RawFraction = f
	if f <= 0 {
		return res
	}

	if in.Stale {
		f /= 2
		res.StaleDiscount = true
	}
	if f > lim.MaxRiskFraction {
		f = lim.MaxRiskFraction
	}
	res.KellyFraction = f

	qty := int(math.Floor(f * in.AvailableCapitalUSD / in.PerUnitMaxLossUSD))
	if qty < 0 {
		qty = 0
	}
	if qty > lim.MaxContracts {
		qty = lim.MaxContracts
		res.Capped = true
	}
	res.Quantity = qty
	return res
}
