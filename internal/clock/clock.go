// Package clock lets timer-driven code (session eviction, poll loops,
// collector cadences) run against either wall time or a fake clock that
// tests advance by hand.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

// Ticker mirrors time.Ticker. C has capacity 1; late ticks are dropped.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

func (t *Ticker) Stop() { t.stop() }

func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is returned by AfterFunc.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop, reset: t.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
