package advisory

import "context"

// Mock is a canned advisor for tests and dry runs.
type Mock struct {
	Rec   Recommendation
	Err   error
	Calls []MarketContext
}

func (m *Mock) Recommend(_ context.Context, mc MarketContext) (Recommendation, error) {
	m.Calls = append(m.Calls, mc)
	if m.Err != nil {
		return Recommendation{}, m.Err
	}
	return m.Rec, nil
}
