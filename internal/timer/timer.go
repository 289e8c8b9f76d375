// Package timer provides a one-shot, cancellable, restartable callback
// timer for use from a single-threaded scheduler loop.
package timer

import "time"

// Timer invokes a callback after a timeout, unless cancelled first.
// Starting a Timer that is already running implicitly cancels the prior
// schedule — this gives watchdog-like behavior, where the callback fires
// only after some interval passes without a kick. Timer is not safe for
// concurrent use; it is meant to be driven entirely from the scheduler
// goroutine that owns it.
//
// The callback always receives the generation number Start assigned to the
// schedule that fired. time.AfterFunc's Stop cannot retract a callback
// goroutine that has already begun running, so a Stop()+Start() racing an
// in-flight fire can still deliver that stale callback after the timer has
// moved on to a new period. Generation lets a caller that posts the fire
// onto a queue (rather than act on it directly) compare the generation it
// was given against CurrentGeneration() when the event is finally
// processed, and discard it if the timer has since been restarted.
type Timer struct {
	callback   func(generation uint64)
	t          *time.Timer
	generation uint64
}

// New creates a Timer that invokes callback when it fires. The timer does
// not start running until Start is called.
func New(callback func(generation uint64)) *Timer {
	return &Timer{callback: callback}
}

// Start cancels any previously scheduled callback and schedules a new one
// to fire after timeout, under a new generation.
func (t *Timer) Start(timeout time.Duration) {
	t.Stop()
	t.generation++
	gen := t.generation
	t.t = time.AfterFunc(timeout, func() { t.callback(gen) })
}

// Stop cancels any pending callback. It is a no-op if none is scheduled.
// A cancellation raced by an in-flight fire may still deliver the
// callback; scheduler code must compare the delivered generation against
// CurrentGeneration() before acting on it.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// CurrentGeneration returns the generation number of the timer's most
// recent Start call (0 if Start has never been called).
func (t *Timer) CurrentGeneration() uint64 { return t.generation }
