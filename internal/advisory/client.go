package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantkit/botcore/internal/config"
	"github.com/quantkit/botcore/internal/observ"
)

// ErrAdvisoryUnavailable is returned for any advisory failure a cycle
// can recover from (timeout, transport error, malformed response).
// Callers must treat it as "skip this cycle", never as approval.
var ErrAdvisoryUnavailable = errors.New("advisory unavailable")

type Action string

const (
	ActionEnter Action = "enter"
	ActionSkip  Action = "skip"
)

// MarketContext carries the features the probability service requires.
// Missing required features are a hard error, not a default-fill.
type MarketContext struct {
	Strategy         string             `json:"strategy"`
	Instrument       string             `json:"instrument"`
	VolatilityRegime string             `json:"volatility_regime"`
	DayOfWeek        time.Weekday       `json:"day_of_week"`
	RecentWinRate    float64            `json:"recent_win_rate"`
	RecentTrades     int                `json:"recent_trades"`
	Features         map[string]float64 `json:"features"`
}

func (mc MarketContext) validate() error {
	var missing []string
	if mc.Strategy == "" {
		missing = append(missing, "strategy")
	}
	if mc.Instrument == "" {
		missing = append(missing, "instrument")
	}
	if mc.VolatilityRegime == "" {
		missing = append(missing, "volatility_regime")
	}
	if mc.RecentWinRate < 0 || mc.RecentWinRate > 1 {
		missing = append(missing, "recent_win_rate")
	}
	if len(missing) > 0 {
		return fmt.Errorf("market context missing required features: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Recommendation is the typed advisory result. Staleness and model age
// are computed client-side so a degraded response cannot masquerade as
// full-confidence input.
type Recommendation struct {
	Action         Action             `json:"action"`
	WinProbability float64            `json:"win_probability"`
	Confidence     float64            `json:"confidence"`
	Features       map[string]float64 `json:"features,omitempty"`
	ModelTrainedAt time.Time          `json:"model_trained_at"`
	ModelAgeHours  float64            `json:"model_age_hours"`
	Stale          bool               `json:"stale"`
}

// Advisor is the probability-service contract the strategy worker
// depends on.
type Advisor interface {
	Recommend(ctx context.Context, mc MarketContext) (Recommendation, error)
}

// Client calls the probability-estimation service over HTTP.
type Client struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	freshness time.Duration
	now       func() time.Time
}

func NewClient(cfg config.Advisory, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		freshness: time.Duration(cfg.FreshnessThresholdH * float64(time.Hour)),
		now:       now,
	}
}

type wireResponse struct {
	Action         string             `json:"action"`
	WinProbability float64            `json:"win_probability"`
	Confidence     float64            `json:"confidence"`
	Features       map[string]float64 `json:"features"`
	ModelTrainedAt string             `json:"model_trained_at"`
}

// Recommend requests a recommendation for the given context. The
// returned ModelAgeHours reflects wall-clock time since the model was
// trained, computed here rather than trusted from the service. A stale
// model still yields a value, marked Stale; vetoing on staleness is
// the risk gate's call, not ours.
func (c *Client) Recommend(ctx context.Context, mc MarketContext) (Recommendation, error) {
	var zero Recommendation
	if err := mc.validate(); err != nil {
		return zero, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		observ.IncAdvisoryFailure("rate_limit")
		return zero, fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}

	wire, err := c.post(ctx, mc)
	if err != nil {
		// One bounded retry on transport errors only; timeouts are not
		// retried within the cycle.
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			observ.Log("advisory_retry", map[string]any{"strategy": mc.Strategy, "error": err.Error()})
			wire, err = c.post(ctx, mc)
		}
		if err != nil {
			return zero, err
		}
	}

	rec, err := c.fromWire(wire)
	if err != nil {
		observ.IncAdvisoryFailure("malformed")
		return zero, fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}
	if rec.Stale {
		observ.IncAdvisoryStale()
	}
	return rec, nil
}

func (c *Client) post(ctx context.Context, mc MarketContext) (wireResponse, error) {
	var wire wireResponse
	body, err := json.Marshal(mc)
	if err != nil {
		return wire, fmt.Errorf("%w: encode: %v", ErrAdvisoryUnavailable, err)
	}
	u, err := url.JoinPath(c.baseURL, "recommend")
	if err != nil {
		return wire, fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return wire, fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		observ.IncAdvisoryFailure("transport")
		return wire, fmt.Errorf("%w: %w", ErrAdvisoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observ.IncAdvisoryFailure(fmt.Sprintf("http_%d", resp.StatusCode))
		return wire, fmt.Errorf("%w: status %d", ErrAdvisoryUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		observ.IncAdvisoryFailure("malformed")
		return wire, fmt.Errorf("%w: decode: %v", ErrAdvisoryUnavailable, err)
	}
	return wire, nil
}

func (c *Client) fromWire(wire wireResponse) (Recommendation, error) {
	var rec Recommendation
	switch Action(wire.Action) {
	case ActionEnter, ActionSkip:
		rec.Action = Action(wire.Action)
	default:
		return rec, fmt.Errorf("unknown action %q", wire.Action)
	}
	if wire.WinProbability < 0 || wire.WinProbability > 1 {
		return rec, fmt.Errorf("win_probability %v out of [0,1]", wire.WinProbability)
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return rec, fmt.Errorf("confidence %v out of [0,1]", wire.Confidence)
	}
	trainedAt, err := time.Parse(time.RFC3339, wire.ModelTrainedAt)
	if err != nil {
		return rec, fmt.Errorf("model_trained_at: %v", err)
	}

	age := c.now().UTC().Sub(trainedAt.UTC())
	if age < 0 {
		return rec, fmt.Errorf("model_trained_at %s is in the future", wire.ModelTrainedAt)
	}

	rec.WinProbability = wire.WinProbability
	rec.Confidence = wire.Confidence
	rec.Features = wire.Features
	rec.ModelTrainedAt = trainedAt.UTC()
	rec.ModelAgeHours = age.Hours()
	rec.Stale = age > c.freshness
	return rec, nil
}
