package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrProviderUnavailable means the snapshot could not be obtained this
// cycle. In live mode callers skip the cycle; values are never
// fabricated to paper over a provider failure.
var ErrProviderUnavailable = errors.New("market data unavailable")

// Snapshot is one observation of the underlying.
type Snapshot struct {
	Instrument       string    `json:"instrument"`
	Spot             float64   `json:"spot"`
	ImpliedVol       float64   `json:"implied_vol"`
	VolatilityRegime string    `json:"volatility_regime"` // quiet | normal | volatile
	AsOf             time.Time `json:"as_of"`
}

// Provider supplies underlying snapshots and per-contract marks.
type Provider interface {
	GetSnapshot(ctx context.Context, instrument string) (Snapshot, error)
	// Mark returns the current mark price for a single contract.
	Mark(ctx context.Context, contractID string) (float64, error)
}

// RegimeFor buckets implied volatility into the regime labels the
// advisory service was trained on.
func RegimeFor(impliedVol float64) string {
	switch {
	case impliedVol < 0.15:
		return "quiet"
	case impliedVol < 0.30:
		return "normal"
	default:
		return "volatile"
	}
}
