// Package clock provides a wall clock that tests can pin and advance.
package clock

import (
	"sync"
	"time"
)

// Clock wraps time.Now so timeouts and blacklist TTLs can be driven from tests.
// The zero value follows the system clock. It is safe for concurrent use.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	now   time.Time
}

// New returns a clock following the system time.
func New() *Clock {
	return &Clock{}
}

// NewMock returns a clock pinned at t.
func NewMock(t time.Time) *Clock {
	c := &Clock{}
	c.Set(t)
	return c
}

// Set pins the clock at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.now = t
}

// Advance moves a pinned clock forward by d. On an unpinned clock it pins the
// clock at time.Now()+d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.faked {
		c.faked = true
		c.now = time.Now()
	}
	c.now = c.now.Add(d)
}

// Sync releases a pinned clock back to the system time.
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Now returns the current time on this clock.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.now
	}
	return time.Now()
}

// Since returns the time elapsed since t on this clock.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
