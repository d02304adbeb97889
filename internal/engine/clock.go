package engine

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic logical clock that stamps operations with Seq.
//
// Seq defines creation order independent of wall time, so two operations
// enqueued within the same millisecond (or across a wall-clock step) still
// order deterministically.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used on rehydration to resume after the highest persisted Seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// TimeSource supplies wall-clock time for createdAt, lastAttemptAt and
// backoff eligibility. Implemented by SystemTime (production) and
// testutil.ManualClock (tests).
type TimeSource interface {
	Now() time.Time
}

// SystemTime reads the system clock in UTC.
type SystemTime struct{}

// Now returns time.Now in UTC.
func (SystemTime) Now() time.Time {
	return time.Now().UTC()
}
