// Package clock abstracts the time operations used by timer-driven code
// (fallback timers, poll loops, heartbeats, sweeps) so tests can drive them
// deterministically.
package clock

import "time"

// Clock is the subset of the time package that devicelink depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously during
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// a pending timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C. C has capacity 1; slow consumers drop ticks.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() {
	if t == nil || t.stop == nil {
		return
	}
	t.stop()
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
