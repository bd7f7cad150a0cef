package audit

import "sync"

// Mem is an in-memory recorder for tests.
type Mem struct {
	mu          sync.Mutex
	Cycles      []ScanCycleRecord
	Transitions []TransitionRecord
	Criticals   []CriticalRecord
}

func (m *Mem) Cycle(rec ScanCycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cycles = append(m.Cycles, rec)
	return nil
}

func (m *Mem) Transition(rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions = append(m.Transitions, rec)
	return nil
}

func (m *Mem) CriticalEvent(rec CriticalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Criticals = append(m.Criticals, rec)
	return nil
}

// LastCycle returns the most recent cycle record for a strategy.
func (m *Mem) LastCycle(strategy string) (ScanCycleRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Cycles) - 1; i >= 0; i-- {
		if m.Cycles[i].Strategy == strategy {
			return m.Cycles[i], true
		}
	}
	return ScanCycleRecord{}, false
}
