package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantkit/botcore/internal/config"
	"github.com/quantkit/botcore/internal/observ"
)

// Paper simulates the venue: randomized latency and adverse slippage
// inside configured bounds, plus idempotency-key dedupe so a retried
// cycle returns the original fill instead of double-submitting.
type Paper struct {
	mu       sync.Mutex
	rng      *rand.Rand
	cfg      config.Execution
	statuses map[string]Status
	fills    map[string]Fill      // by idempotency key
	seenAt   map[string]time.Time // idempotency key -> first submit
}

func NewPaper(cfg config.Execution, seed int64) *Paper {
	return &Paper{
		rng:      rand.New(rand.NewSource(seed)),
		cfg:      cfg,
		statuses: map[string]Status{},
		fills:    map[string]Fill{},
		seenAt:   map[string]time.Time{},
	}
}

func (p *Paper) SubmitOrder(ctx context.Context, o Order) (Fill, error) {
	if o.Quantity <= 0 || o.RefPrice <= 0 {
		return Fill{}, fmt.Errorf("%w: bad order qty=%d ref=%.4f", ErrNotFilled, o.Quantity, o.RefPrice)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	p.mu.Lock()
	if o.IdempotencyKey != "" {
		if seen, ok := p.seenAt[o.IdempotencyKey]; ok &&
			time.Since(seen) < time.Duration(p.cfg.DedupeWindowSecs)*time.Second {
			fill := p.fills[o.IdempotencyKey]
			p.mu.Unlock()
			observ.Log("paper_order_dedupe", map[string]any{"key": o.IdempotencyKey, "order_id": fill.OrderID})
			return fill, nil
		}
	}
	latency := p.latencyLocked()
	slippage := p.slippageLocked()
	p.statuses[o.ID] = StatusPending
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		// Timed out before confirmation: not filled, and the caller
		// must not assume otherwise.
		p.mu.Lock()
		p.statuses[o.ID] = StatusUnknown
		p.mu.Unlock()
		return Fill{}, fmt.Errorf("%w: %v", ErrNotFilled, ctx.Err())
	case <-time.After(latency):
	}

	price := p.applySlippage(o, slippage)
	fill := Fill{
		OrderID:     o.ID,
		Price:       price,
		FilledAt:    time.Now().UTC(),
		LatencyMs:   int(latency.Milliseconds()),
		SlippageBps: slippage,
	}

	p.mu.Lock()
	p.statuses[o.ID] = StatusFilled
	if o.IdempotencyKey != "" {
		p.fills[o.IdempotencyKey] = fill
		p.seenAt[o.IdempotencyKey] = time.Now()
	}
	p.mu.Unlock()

	observ.Log("paper_fill", map[string]any{
		"order_id": o.ID, "strategy": o.Strategy, "kind": string(o.Kind),
		"price": price, "qty": o.Quantity, "latency_ms": fill.LatencyMs,
		"slippage_bps": slippage,
	})
	return fill, nil
}

func (p *Paper) GetOrderStatus(_ context.Context, orderID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[orderID]
	if !ok {
		return StatusUnknown, nil
	}
	return st, nil
}

func (p *Paper) latencyLocked() time.Duration {
	span := p.cfg.LatencyMsMax - p.cfg.LatencyMsMin
	ms := p.cfg.LatencyMsMin
	if span > 0 {
		ms += p.rng.Intn(span)
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Paper) slippageLocked() int {
	span := p.cfg.SlippageBpsMax - p.cfg.SlippageBpsMin
	bps := p.cfg.SlippageBpsMin
	if span > 0 {
		bps += p.rng.Intn(span)
	}
	return bps
}

// applySlippage moves the fill against the taker: a sell collects
// less, a buy pays more.
func (p *Paper) applySlippage(o Order, bps int) float64 {
	adj := o.RefPrice * float64(bps) / 10000
	if o.NetSide == SideSell {
		return o.RefPrice - adj
	}
	return o.RefPrice + adj
}
