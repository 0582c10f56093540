package sched

import (
	"sync"
	"time"
)

// Task is a restartable one-shot timer whose cancellation is race-free:
// a callback never fires after Cancel or after being superseded by a
// newer Schedule, even if the underlying timer already expired.
type Task struct {
	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

// Schedule arms the task to run fn after d, cancelling any pending run.
func (s *Task) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil {
		s.t.Stop()
	}
	s.gen++
	gen := s.gen
	s.t = time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.gen == gen && s.t != nil
		if live {
			s.t = nil
		}
		s.mu.Unlock()
		if live {
			fn()
		}
	})
}

// Cancel stops any pending run. Safe to call repeatedly.
func (s *Task) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
}

// Active reports whether a run is pending.
func (s *Task) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}
