package cryptox

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/clock"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 5 * time.Minute
)

// LockoutState is the per-conversation failed-attempt bookkeeping.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    time.Time
}

// Lockout throttles passphrase guessing per conversation. It is a
// client-side speed bump only; authorization is enforced by the backend.
type Lockout struct {
	clock     clock.Clock
	threshold int
	duration  time.Duration

	mu     sync.Mutex
	states map[string]*LockoutState
}

func NewLockout(c clock.Clock, threshold int, duration time.Duration) *Lockout {
	if c == nil {
		c = clock.Real()
	}
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	return &Lockout{
		clock:     c,
		threshold: threshold,
		duration:  duration,
		states:    make(map[string]*LockoutState),
	}
}

// RecordFailedAttempt counts a failure and reports whether the
// conversation is now locked.
func (l *Lockout) RecordFailedAttempt(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(conversationID)
	st.FailedAttempts++
	if st.FailedAttempts >= l.threshold {
		st.LockedUntil = l.clock.Now().Add(l.duration)
		return true
	}
	return false
}

// IsLockedOut reports whether attempts are currently rejected. An expired
// lockout is cleared, resetting the counter.
func (l *Lockout) IsLockedOut(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[conversationID]
	if !ok || st.LockedUntil.IsZero() {
		return false
	}
	if !l.clock.Now().Before(st.LockedUntil) {
		delete(l.states, conversationID)
		return false
	}
	return true
}

// Remaining returns how long the lockout still lasts (zero when unlocked).
func (l *Lockout) Remaining(conversationID string) time.Duration {
	if !l.IsLockedOut(conversationID) {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[conversationID].LockedUntil.Sub(l.clock.Now())
}

// Reset clears the bookkeeping after a successful unlock.
func (l *Lockout) Reset(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, conversationID)
}

// State returns a copy of the bookkeeping for conversationID.
func (l *Lockout) State(conversationID string) LockoutState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[conversationID]; ok {
		return *st
	}
	return LockoutState{}
}

func (l *Lockout) stateLocked(conversationID string) *LockoutState {
	st, ok := l.states[conversationID]
	if !ok {
		st = &LockoutState{}
		l.states[conversationID] = st
	}
	return st
}
