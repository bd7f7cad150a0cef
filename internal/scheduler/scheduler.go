// Package scheduler wakes each strategy worker on its own cadence.
// Strategies run concurrently with respect to each other; within one
// strategy evaluations never overlap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantkit/botcore/internal/observ"
)

// Runner is one schedulable strategy worker.
type Runner interface {
	Name() string
	Interval() time.Duration
	EvalTimeout() time.Duration
	Evaluate(ctx context.Context)
}

type entry struct {
	runner Runner
	busy   atomic.Bool
}

// Scheduler fires each runner on an independent timer. Evaluation
// contexts derive from Background, not the shutdown signal: stopping
// the scheduler prevents new ticks and drains in-flight evaluations to
// a safe checkpoint (no order submitted, or order submitted and fill
// awaited) rather than cancelling them mid-way.
type Scheduler struct {
	entries  []*entry
	mu       sync.Mutex // orders Kick's wg.Add against Stop's close
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

func New(runners ...Runner) (*Scheduler, error) {
	if len(runners) == 0 {
		return nil, fmt.Errorf("scheduler requires at least one runner")
	}
	s := &Scheduler{stop: make(chan struct{})}
	for _, r := range runners {
		if r.Interval() <= 0 {
			return nil, fmt.Errorf("runner %s has no interval", r.Name())
		}
		s.entries = append(s.entries, &entry{runner: r})
	}
	return s, nil
}

// Start launches one loop per strategy. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(e)
	}
	observ.Log("scheduler_started", map[string]any{"strategies": len(s.entries)})
}

func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(e.runner.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(e)
		}
	}
}

// runOnce guards the at-most-one-in-flight invariant with a CAS so
// even an out-of-band trigger cannot overlap a running evaluation.
func (s *Scheduler) runOnce(e *entry) {
	if !e.busy.CompareAndSwap(false, true) {
		observ.Log("scan_overlap_skipped", map[string]any{"strategy": e.runner.Name()})
		return
	}
	defer e.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), e.runner.EvalTimeout())
	defer cancel()
	e.runner.Evaluate(ctx)
}

// Kick runs a single named strategy immediately if it is idle
// (ops/testing hook). Returns false if unknown, already evaluating,
// or shutdown has begun. The mutex keeps the wg.Add ordered before
// Stop's close, so the drain count cannot grow mid-wait.
func (s *Scheduler) Kick(name string) bool {
	for _, e := range s.entries {
		if e.runner.Name() != name {
			continue
		}
		s.mu.Lock()
		select {
		case <-s.stop:
			s.mu.Unlock()
			return false
		default:
		}
		if !e.busy.CompareAndSwap(false, true) {
			s.mu.Unlock()
			return false
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func(e *entry) {
			defer s.wg.Done()
			defer e.busy.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), e.runner.EvalTimeout())
			defer cancel()
			e.runner.Evaluate(ctx)
		}(e)
		return true
	}
	return false
}

// Stop prevents further ticks and waits for in-flight evaluations,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		observ.Log("scheduler_stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}
