// Package clock abstracts the timers used by the synchronization layer so
// heartbeat, backoff, and batch timers can be driven deterministically in
// tests.
//
// Production code takes a Clock and uses Real(). Tests use NewFake and move
// time forward with Advance; AfterFunc callbacks then run synchronously in
// the goroutine that called Advance, in deadline order.
package clock

import "time"

// Clock is the subset of the time package used by this module.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or during Advance
	// (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call
	// was still pending.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
