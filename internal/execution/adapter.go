// Package execution is the broker boundary. The core treats any
// non-confirmation as "not filled"; a timeout never implies success.
package execution

import (
	"context"
	"errors"
	"time"
)

// ErrNotFilled covers timeouts, rejections, and venue failures. The
// caller must assume no position exists until a Fill says otherwise.
var ErrNotFilled = errors.New("order not filled")

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderKind string

const (
	KindEntry OrderKind = "entry"
	KindClose OrderKind = "close"
)

type OrderLeg struct {
	Side       Side   `json:"side"`
	ContractID string `json:"contract_id"`
	Quantity   int    `json:"quantity"`
}

type Order struct {
	ID             string     `json:"id"`
	Strategy       string     `json:"strategy"`
	Instrument     string     `json:"instrument"`
	Kind           OrderKind  `json:"kind"`
	NetSide        Side       `json:"net_side"` // SELL opens a credit structure
	Legs           []OrderLeg `json:"legs"`
	Quantity       int        `json:"quantity"`
	RefPrice       float64    `json:"ref_price"` // expected structure price per unit
	IdempotencyKey string     `json:"idempotency_key"`
}

type Fill struct {
	OrderID     string    `json:"order_id"`
	Price       float64   `json:"price"` // structure price per unit actually obtained
	FilledAt    time.Time `json:"filled_at"`
	LatencyMs   int       `json:"latency_ms"`
	SlippageBps int       `json:"slippage_bps"`
}

type Status string

const (
	StatusFilled  Status = "filled"
	StatusPending Status = "pending"
	StatusUnknown Status = "unknown"
)

// Adapter submits orders and reports their status. Implementations
// own any bounded retry; the core never retries silently within a
// cycle.
type Adapter interface {
	SubmitOrder(ctx context.Context, o Order) (Fill, error)
	GetOrderStatus(ctx context.Context, orderID string) (Status, error)
}
