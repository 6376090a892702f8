package engine

import (
	"sync"
	"time"
)

// DefaultRescanInterval stays below the ~10s grace window platforms grant a
// background process after a radio event.
const DefaultRescanInterval = 8 * time.Second

// Scheduler is a single re-armable deadline. Arming replaces any pending
// deadline, so at most one is outstanding. The deadline runs on the timer's
// own goroutine and only calls fire, which must not touch engine state
// directly.
type Scheduler struct {
	period time.Duration
	fire   func()

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
}

// NewScheduler creates an unarmed scheduler
func NewScheduler(period time.Duration, fire func()) *Scheduler {
	if period <= 0 {
		period = DefaultRescanInterval
	}
	return &Scheduler{period: period, fire: fire}
}

// Arm cancels the pending deadline, if any, and sets a new one a full
// period from now.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation
	s.timer = time.AfterFunc(s.period, func() { s.expire(gen) })
}

// Cancel drops the pending deadline
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

// Pending reports whether a deadline is armed
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Period returns the re-arm cadence
func (s *Scheduler) Period() time.Duration {
	return s.period
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		// superseded by a later Arm or Cancel
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if s.fire != nil {
		s.fire()
	}
}
