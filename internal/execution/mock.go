package execution

import (
	"context"
	"sync"
)

// Mock is a scripted adapter for tests.
type Mock struct {
	mu        sync.Mutex
	FillPrice float64
	Err       error
	StatusFor map[string]Status
	Submitted []Order
}

func (m *Mock) SubmitOrder(_ context.Context, o Order) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, o)
	if m.Err != nil {
		return Fill{}, m.Err
	}
	price := m.FillPrice
	if price == 0 {
		price = o.RefPrice
	}
	return Fill{OrderID: o.ID, Price: price}, nil
}

func (m *Mock) GetOrderStatus(_ context.Context, orderID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusFor == nil {
		return StatusFilled, nil
	}
	st, ok := m.StatusFor[orderID]
	if !ok {
		return StatusUnknown, nil
	}
	return st, nil
}

// SubmittedOrders returns a copy for assertions.
func (m *Mock) SubmittedOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, len(m.Submitted))
	copy(out, m.Submitted)
	return out
}
