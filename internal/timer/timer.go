// Package timer implements the core speaker's one-shot timer service
// (Component C): relative-fire timers with randomization, built on
// time.Timer following the stop-then-drain-before-reset idiom used
// throughout the teacher's session goroutine.
package timer

import (
	"math/rand/v2"
	"time"
)

// OneShot is a single one-shot timer with optional jitter, matching
// §4.C: start(t, value) arms the timer to fire in value - randomize,
// where randomize = value/4, so the actual delay falls in
// [0.75*value, value]. Passing a zero duration to Start stops the
// timer instead of arming it.
type OneShot struct {
	t      *time.Timer
	active bool
}

// NewOneShot creates a OneShot timer in the stopped state.
func NewOneShot() *OneShot {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &OneShot{t: t}
}

// C returns the channel the timer fires on.
func (o *OneShot) C() <-chan time.Time { return o.t.C }

// jitter applies the value/4 randomization window: returns a duration
// in [0.75*value, value].
func jitter(value time.Duration) time.Duration {
	if value <= 0 {
		return 0
	}
	quarter := value / 4
	if quarter <= 0 {
		return value
	}
	//nolint:gosec // G404: timer jitter is not security sensitive.
	reduction := time.Duration(rand.Int64N(int64(quarter) + 1))
	return value - reduction
}

// Start arms the timer to fire after value, reduced by a random amount
// up to value/4. value <= 0 stops the timer (idempotent).
func (o *OneShot) Start(value time.Duration) {
	o.Stop()
	if value <= 0 {
		return
	}
	o.t.Reset(jitter(value))
	o.active = true
}

// Stop disarms the timer. Safe to call from any context, any number of
// times, matching the cancellation contract in §5: stopping is
// idempotent and safe from any callback.
func (o *OneShot) Stop() {
	if !o.t.Stop() && o.active {
		// The timer already fired and the value is sitting in the
		// channel unread; drain it so a later Reset doesn't race.
		select {
		case <-o.t.C:
		default:
		}
	}
	o.active = false
}

// Active reports whether the timer is currently armed.
func (o *OneShot) Active() bool { return o.active }
