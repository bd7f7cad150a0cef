package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/botcore/internal/config"
)

func fastPaper() *Paper {
	return NewPaper(config.Execution{
		Mode:             "paper",
		LatencyMsMin:     1,
		LatencyMsMax:     2,
		SlippageBpsMin:   1,
		SlippageBpsMax:   5,
		DedupeWindowSecs: 90,
	}, 42)
}

func creditOrder(key string) Order {
	return Order{
		Strategy:   "spx-put-credit",
		Instrument: "SPX",
		Kind:       KindEntry,
		NetSide:    SideSell,
		Legs: []OrderLeg{
			{Side: SideSell, ContractID: "A", Quantity: 1},
			{Side: SideBuy, ContractID: "B", Quantity: 1},
		},
		Quantity:       10,
		RefPrice:       1.5,
		IdempotencyKey: key,
	}
}

func TestPaperFillsWithAdverseSlippage(t *testing.T) {
	p := fastPaper()
	fill, err := p.SubmitOrder(context.Background(), creditOrder("k1"))
	require.NoError(t, err)

	assert.NotEmpty(t, fill.OrderID)
	// A sell always collects at or below the reference price.
	assert.LessOrEqual(t, fill.Price, 1.5)
	assert.Greater(t, fill.Price, 1.49)

	status, err := p.GetOrderStatus(context.Background(), fill.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, status)
}

func TestPaperBuySlippageWorksAgainstTaker(t *testing.T) {
	p := fastPaper()
	o := creditOrder("k1")
	o.NetSide = SideBuy
	fill, err := p.SubmitOrder(context.Background(), o)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fill.Price, 1.5)
}

func TestPaperDedupesByIdempotencyKey(t *testing.T) {
	p := fastPaper()
	first, err := p.SubmitOrder(context.Background(), creditOrder("k1"))
	require.NoError(t, err)

	// A retried submit inside the window returns the original fill.
	second, err := p.SubmitOrder(context.Background(), creditOrder("k1"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Price, second.Price)

	third, err := p.SubmitOrder(context.Background(), creditOrder("k2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, third.OrderID)
}

func TestPaperTimeoutIsNotFilled(t *testing.T) {
	p := NewPaper(config.Execution{
		LatencyMsMin: 200, LatencyMsMax: 201, DedupeWindowSecs: 90,
	}, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.SubmitOrder(ctx, creditOrder("k1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFilled))
}

func TestPaperTimedOutOrderReportsUnknown(t *testing.T) {
	p := NewPaper(config.Execution{
		LatencyMsMin: 200, LatencyMsMax: 201, DedupeWindowSecs: 90,
	}, 42)

	o := creditOrder("k1")
	o.ID = "ord-1"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.SubmitOrder(ctx, o)
	require.Error(t, err)

	// The caller cannot assume the venue dropped it; status is unknown
	// until reconciliation says otherwise.
	status, err := p.GetOrderStatus(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)
}

func TestPaperRejectsBadOrders(t *testing.T) {
	p := fastPaper()

	o := creditOrder("k1")
	o.Quantity = 0
	_, err := p.SubmitOrder(context.Background(), o)
	assert.True(t, errors.Is(err, ErrNotFilled))

	o = creditOrder("k2")
	o.RefPrice = 0
	_, err = p.SubmitOrder(context.Background(), o)
	assert.True(t, errors.Is(err, ErrNotFilled))
}

func TestPaperUnknownOrderStatus(t *testing.T) {
	p := fastPaper()
	status, err := p.GetOrderStatus(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)
}
