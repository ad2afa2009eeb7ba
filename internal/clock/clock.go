// Package clock abstracts time so timer-driven components (heartbeat,
// reconnection backoff, typing expiry) can be driven deterministically in
// tests.
//
// Production code uses Real(). Tests use Fake(start), which only moves when
// Advance is called and fires AfterFunc callbacks synchronously, in deadline
// order, on the goroutine calling Advance.
package clock

import "time"

// Clock is the subset of the time package used by GophChat.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer can cancel it.
	AfterFunc(d time.Duration, f func()) *Timer
	// After returns a channel receiving the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer is a cancellable scheduled callback.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Reset reschedules the timer to fire after d. It reports whether the
// timer was pending.
func (t *Timer) Reset(d time.Duration) bool {
	if t == nil || t.reset == nil {
		return false
	}
	return t.reset(d)
}
