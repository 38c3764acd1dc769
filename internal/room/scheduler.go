package room

import (
	"sync"
	"time"
)

// DefaultPersistInterval is the quiescence window bounding how stale the
// durable copy of a room may be relative to memory.
const DefaultPersistInterval = 10 * time.Second

// Scheduler coalesces persistence triggers into at most one write per
// window. The first trigger arms a timer; further triggers while it is
// armed are absorbed. When the timer fires the write callback runs against
// the state current at fire time, not at scheduling time.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	write    func()
	timer    *time.Timer
	armed    bool
	stopped  bool
}

// NewScheduler builds a scheduler firing write after each quiescence window.
func NewScheduler(interval time.Duration, write func()) *Scheduler {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &Scheduler{interval: interval, write: write}
}

// Trigger notes that state changed. Triggers during an armed window are
// coalesced into the pending fire.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.armed {
		return
	}
	s.armed = true
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.mu.Unlock()

	s.write()
}

// Stop cancels any pending fire. A stopped scheduler ignores further
// triggers; in-memory state newer than the last write is abandoned, which
// bounds data loss to one interval.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
}
