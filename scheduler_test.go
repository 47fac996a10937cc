package phx

import (
	"testing"
	"time"
)

func TestScheduler_ScheduleTimeout_IncrementsTries(t *testing.T) {
	exec := newFakeExecutor()
	fired := 0
	s := NewScheduler(func() { fired++ }, func(tries int) time.Duration { return time.Duration(tries) * time.Second }, exec)

	s.ScheduleTimeout()
	exec.fireAll()
	if s.Tries() != 1 {
		t.Errorf("Tries() = %d, want 1", s.Tries())
	}
	if fired != 1 {
		t.Errorf("action fired %d times, want 1", fired)
	}

	s.ScheduleTimeout()
	exec.fireAll()
	if s.Tries() != 2 {
		t.Errorf("Tries() = %d, want 2", s.Tries())
	}
}

func TestScheduler_ScheduleTimeout_CancelsPrior(t *testing.T) {
	exec := newFakeExecutor()
	fired := 0
	s := NewScheduler(func() { fired++ }, func(int) time.Duration { return time.Second }, exec)

	s.ScheduleTimeout()
	s.ScheduleTimeout()
	exec.fireAll()

	if fired != 1 {
		t.Errorf("action fired %d times, want 1 (first schedule should be cancelled)", fired)
	}
}

func TestScheduler_Reset(t *testing.T) {
	exec := newFakeExecutor()
	fired := 0
	s := NewScheduler(func() { fired++ }, func(int) time.Duration { return time.Second }, exec)

	s.ScheduleTimeout()
	exec.fireAll()
	s.Reset()

	if s.Tries() != 0 {
		t.Errorf("Tries() after Reset() = %d, want 0", s.Tries())
	}

	s.ScheduleTimeout()
	if exec.pendingCount() != 1 {
		t.Errorf("pendingCount() = %d, want 1", exec.pendingCount())
	}
}
