// Package scheduler keeps every deferred action of a round as a named,
// individually cancellable task. It is not safe for concurrent use: the
// owning event loop calls RunDue when its wake timer fires.
package scheduler

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TaskName identifies a task. Scheduling a name that is already pending replaces it.
type TaskName string

type task struct {
	name TaskName
	due  time.Time
	seq  uint64
	fn   func()
}

// Scheduler holds pending tasks against a clock.
type Scheduler struct {
	clock  clockwork.Clock
	tasks  map[TaskName]*task
	seq    uint64
	logger zerolog.Logger
}

// New creates a scheduler. Use clockwork.NewRealClock() in production and a fake clock in tests.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		tasks:  make(map[TaskName]*task),
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// Clock returns the clock tasks are measured against.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Schedule runs fn after d, replacing any pending task with the same name.
func (s *Scheduler) Schedule(name TaskName, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.seq++
	if _, exists := s.tasks[name]; exists {
		s.logger.Debug().Str("task", string(name)).Msg("replaced pending task")
	}
	s.tasks[name] = &task{
		name: name,
		due:  s.clock.Now().Add(d),
		seq:  s.seq,
		fn:   fn,
	}
}

// Cancel removes a pending task and reports whether there was one.
func (s *Scheduler) Cancel(name TaskName) bool {
	if _, exists := s.tasks[name]; !exists {
		return false
	}
	delete(s.tasks, name)
	s.logger.Debug().Str("task", string(name)).Msg("cancelled task")
	return true
}

// CancelAll drops every pending task.
func (s *Scheduler) CancelAll() {
	for name := range s.tasks {
		delete(s.tasks, name)
	}
}

// Pending reports whether a task with that name is waiting to run.
func (s *Scheduler) Pending(name TaskName) bool {
	_, ok := s.tasks[name]
	return ok
}

// Due returns when the named task will run.
func (s *Scheduler) Due(name TaskName) (time.Time, bool) {
	t, ok := s.tasks[name]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// NextDue returns the earliest deadline among pending tasks.
func (s *Scheduler) NextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range s.tasks {
		if !found || t.due.Before(next) {
			next = t.due
			found = true
		}
	}
	return next, found
}

// RunDue runs every task whose deadline has passed, earliest first, and
// returns how many ran. Tasks scheduled by a running task wait for the next call.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()
	var due []*task
	for _, t := range s.tasks {
		if !t.due.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})

	ran := 0
	for _, t := range due {
		// A previous task may have cancelled or replaced this one.
		current, ok := s.tasks[t.name]
		if !ok || current.seq != t.seq {
			continue
		}
		delete(s.tasks, t.name)
		t.fn()
		ran++
	}
	return ran
}
