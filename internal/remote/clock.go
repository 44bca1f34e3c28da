package remote

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps, standing in for the
// server-assigned timestamps of a hosted store.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock creates a clock reading from now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp later than every previous one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Now reads the underlying clock without reserving a timestamp.
func (c *Clock) Now() time.Time {
	return c.now().UTC()
}
