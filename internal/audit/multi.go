package audit

import "github.com/quantkit/botcore/internal/observ"

// Multi fans records out to several recorders. The first (primary)
// recorder's error is returned; secondary sink failures are logged and
// swallowed so a mirror outage cannot stop trading records.
type Multi struct {
	Primary   Recorder
	Secondary []Recorder
}

func NewMulti(primary Recorder, secondary ...Recorder) *Multi {
	return &Multi{Primary: primary, Secondary: secondary}
}

func (m *Multi) Cycle(rec ScanCycleRecord) error {
	err := m.Primary.Cycle(rec)
	for _, r := range m.Secondary {
		if serr := r.Cycle(rec); serr != nil {
			observ.Log("audit_sink_error", map[string]any{"kind": "cycle", "error": serr.Error()})
		}
	}
	return err
}

func (m *Multi) Transition(rec TransitionRecord) error {
	err := m.Primary.Transition(rec)
	for _, r := range m.Secondary {
		if serr := r.Transition(rec); serr != nil {
			observ.Log("audit_sink_error", map[string]any{"kind": "transition", "error": serr.Error()})
		}
	}
	return err
}

func (m *Multi) CriticalEvent(rec CriticalRecord) error {
	err := m.Primary.CriticalEvent(rec)
	for _, r := range m.Secondary {
		if serr := r.CriticalEvent(rec); serr != nil {
			observ.Log("audit_sink_error", map[string]any{"kind": "critical", "error": serr.Error()})
		}
	}
	return err
}
