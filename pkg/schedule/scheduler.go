// Package schedule is the in-process clock facility: cancellable one-shot
// jobs and daily recurring jobs, addressable by stable string ids so a
// restart can re-arm deterministically.
package schedule

import (
	"sync"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
)

type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleAt arms a one-shot job. An instant in the past fires immediately.
// Re-using an id replaces the previously armed job.
func (s *Scheduler) ScheduleAt(id string, at time.Time, fn func()) {
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.forget(id)
		fn()
	})
}

// ScheduleDaily arms a job that fires every day at HH:MM in the scheduler's
// location, rescheduling itself after each run.
func (s *Scheduler) ScheduleDaily(id string, hour, minute int, fn func()) {
	at := s.nextDaily(hour, minute)
	s.ScheduleAt(id, at, func() {
		fn()
		s.ScheduleDaily(id, hour, minute, fn)
	})
	logger.WithFields(map[string]interface{}{
		"job_id": id,
		"at":     at.Format(time.RFC3339),
	}).Debug("daily job armed")
}

func (s *Scheduler) nextDaily(hour, minute int) time.Time {
	now := s.clock.Now().In(s.clock.Location())
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.clock.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
}

// Armed reports whether a job with the id is currently scheduled.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels every armed job. The scheduler accepts no new jobs afterward.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
