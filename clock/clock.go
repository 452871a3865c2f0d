// Package clock abstracts time so that retry schedules and retention
// cutoffs can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f after d. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from happening. It returns false if the call
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

type Ticker struct {
	C        <-chan time.Time
	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }
