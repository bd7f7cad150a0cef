package marketdata

import "context"

// Mock returns canned snapshots and marks for tests.
type Mock struct {
	Snapshot    Snapshot
	SnapshotErr error
	Marks       map[string]float64
	MarkErr     error
}

func (m *Mock) GetSnapshot(context.Context, string) (Snapshot, error) {
	if m.SnapshotErr != nil {
		return Snapshot{}, m.SnapshotErr
	}
	return m.Snapshot, nil
}

func (m *Mock) Mark(_ context.Context, contractID string) (float64, error) {
	if m.MarkErr != nil {
		return 0, m.MarkErr
	}
	if m.Marks == nil {
		return 0, ErrProviderUnavailable
	}
	mark, ok := m.Marks[contractID]
	if !ok {
		return 0, ErrProviderUnavailable
	}
	return mark, nil
}
