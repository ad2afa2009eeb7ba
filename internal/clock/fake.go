package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Safe for concurrent use.
//
// Callbacks run without the clock's lock held, so they may schedule new
// timers; they must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	seq      uint64
	fn       func()
	ch       chan time.Time
	active   bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.scheduleLocked(&fakeTimer{ch: ch}, d)
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	ft := &fakeTimer{fn: f}

	c.mu.Lock()
	c.scheduleLocked(ft, d)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := ft.active
			c.removeLocked(ft)
			return was
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := ft.active
			c.removeLocked(ft)
			c.scheduleLocked(ft, d)
			return was
		},
	}
}

func (c *FakeClock) scheduleLocked(ft *fakeTimer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.seq++
	ft.seq = c.seq
	ft.deadline = c.now.Add(d)
	ft.active = true
	c.pending = append(c.pending, ft)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(ft *fakeTimer) {
	ft.active = false
	for i, p := range c.pending {
		if p == ft {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached, earliest first. Timers scheduled by callbacks during Advance
// fire too if they fall inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.removeLocked(next)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		now := c.now
		c.mu.Unlock()

		if next.fn != nil {
			next.fn()
		} else if next.ch != nil {
			select {
			case next.ch <- now:
			default:
			}
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.pending))
	for _, p := range c.pending {
		if !p.deadline.After(target) {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

// Pending returns the number of scheduled, not yet fired timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}
