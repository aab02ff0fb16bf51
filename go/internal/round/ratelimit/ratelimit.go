// Package ratelimit wraps outgoing signals so a noisy caller cannot flood the server.
package ratelimit

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

// Throttle returns fn wrapped so that calls within interval of the last
// executed call are dropped.
func Throttle(clock clockwork.Clock, interval time.Duration, fn func()) func() {
	var last time.Time
	executed := false
	return func() {
		now := clock.Now()
		if executed && now.Sub(last) < interval {
			return
		}
		last = now
		executed = true
		fn()
	}
}

// Backoff executes immediately when the current delay has elapsed since the
// last execution, otherwise collapses calls into one deferred execution. The
// delay grows by factor on every actual execution.
type Backoff struct {
	sched    *scheduler.Scheduler
	name     scheduler.TaskName
	delay    time.Duration
	factor   float64
	lastExec time.Time
	fn       func()
}

// NewBackoff wraps fn. The deferred execution runs as the named scheduler task.
func NewBackoff(sched *scheduler.Scheduler, name scheduler.TaskName, initial time.Duration, factor float64, fn func()) *Backoff {
	return &Backoff{
		sched:  sched,
		name:   name,
		delay:  initial,
		factor: factor,
		fn:     fn,
	}
}

// Call invokes the wrapped function under the backoff policy.
func (b *Backoff) Call() {
	elapsed := b.sched.Clock().Now().Sub(b.lastExec)
	b.sched.Cancel(b.name)
	if elapsed > b.delay {
		b.exec()
		return
	}
	b.sched.Schedule(b.name, b.delay-elapsed, b.exec)
}

// Func returns Call as a plain callback.
func (b *Backoff) Func() func() {
	return b.Call
}

// Delay is the window the next call has to wait out.
func (b *Backoff) Delay() time.Duration {
	return b.delay
}

// Pending reports whether a deferred execution is scheduled.
func (b *Backoff) Pending() bool {
	return b.sched.Pending(b.name)
}

// Cancel drops a scheduled execution without touching the delay.
func (b *Backoff) Cancel() {
	b.sched.Cancel(b.name)
}

func (b *Backoff) exec() {
	b.lastExec = b.sched.Clock().Now()
	b.delay = time.Duration(float64(b.delay) * b.factor)
	b.fn()
}
