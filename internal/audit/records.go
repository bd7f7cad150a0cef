// Package audit is the append-only record of every decision the core
// makes: one ScanCycleRecord per scheduler tick per strategy, one
// TransitionRecord per position state change, and critical events for
// conditions needing manual reconciliation. Downstream dashboards and
// backtests read this trail; the core's obligation is completeness and
// immutability of what it writes.
package audit

import "time"

type ScanCycleRecord struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	Strategy        string         `json:"strategy"`
	SignalEvaluated bool           `json:"signal_evaluated"`
	Reason          string         `json:"reason"` // machine-readable code
	Detail          string         `json:"detail"` // human-readable sentence
	PositionID      string         `json:"position_id,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
}

type TransitionRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	PositionID string         `json:"position_id"`
	Strategy   string         `json:"strategy"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Reason     string         `json:"reason"`
	Detail     string         `json:"detail"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type CriticalRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Strategy   string         `json:"strategy,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Code       string         `json:"code"`
	Detail     string         `json:"detail"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Recorder is what the decision core writes through. Implementations
// must be append-only; records are never updated or deleted.
type Recorder interface {
	Cycle(rec ScanCycleRecord) error
	Transition(rec TransitionRecord) error
	CriticalEvent(rec CriticalRecord) error
}
