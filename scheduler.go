package phx

import (
	"sync"
	"time"
)

// TimerHandle is returned by DelayedExecutor.Execute. Cancel prevents the
// action from firing if it wins the race with the timer; once fired,
// Cancel is a no-op. Implementations must make Cancel idempotent.
type TimerHandle interface {
	Cancel() bool
}

// DelayedExecutor is the sole source of time in the core. Tests substitute
// a fake so scheduling is deterministic; hosts with a cooperative main
// thread can trampoline onto it here.
type DelayedExecutor interface {
	Execute(action func(), delay time.Duration) TimerHandle
}

// defaultExecutor wraps time.AfterFunc. It is the concrete, ready-to-use
// DelayedExecutor this module ships alongside the interface.
type defaultExecutor struct{}

// NewDelayedExecutor returns the default time.AfterFunc-backed executor.
func NewDelayedExecutor() DelayedExecutor {
	return defaultExecutor{}
}

type timerHandle struct {
	t *time.Timer
}

func (h *timerHandle) Cancel() bool {
	return h.t.Stop()
}

func (defaultExecutor) Execute(action func(), delay time.Duration) TimerHandle {
	return &timerHandle{t: time.AfterFunc(delay, action)}
}

// Scheduler wraps a DelayedExecutor with a retry counter and a
// timerCalc(tries) backoff function. It never self-reschedules — the
// action is expected to call ScheduleTimeout again to continue retrying.
type Scheduler struct {
	mu        sync.Mutex
	tries     int
	timerCalc func(tries int) time.Duration
	executor  DelayedExecutor
	action    func()
	pending   TimerHandle
}

// NewScheduler creates a Scheduler bound to action, using timerCalc to
// compute the delay before each (re)schedule and executor as the time
// source.
func NewScheduler(action func(), timerCalc func(tries int) time.Duration, executor DelayedExecutor) *Scheduler {
	return &Scheduler{
		action:    action,
		timerCalc: timerCalc,
		executor:  executor,
	}
}

// ScheduleTimeout cancels any prior pending execution and schedules a new
// one after timerCalc(tries+1). When it fires, tries is incremented and
// the action invoked.
func (s *Scheduler) ScheduleTimeout() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Cancel()
	}
	delay := s.timerCalc(s.tries + 1)
	s.pending = s.executor.Execute(func() {
		s.mu.Lock()
		s.tries++
		s.mu.Unlock()
		s.action()
	}, delay)
	s.mu.Unlock()
}

// Reset sets tries back to zero and cancels any pending execution.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.tries = 0
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	s.mu.Unlock()
}

// Tries returns the current retry count (primarily for tests).
func (s *Scheduler) Tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tries
}
