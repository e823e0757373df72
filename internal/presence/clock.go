package presence

import (
	"sync"
	"time"
)

// TimestampPrecision is the resolution at which timestamps are stored.
const TimestampPrecision = time.Microsecond

// MonotonicClock hands out UTC timestamps that never go backwards, even when
// the wall clock steps back. Timestamps are truncated to TimestampPrecision.
type MonotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewMonotonicClock wraps the provided time source. A nil source uses time.Now.
func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now}
}

// Now returns the next timestamp.
func (c *MonotonicClock) Now() time.Time {
	current := truncateTimestamp(c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if current.Before(c.last) {
		current = c.last
	}
	c.last = current
	return current
}

func truncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}
