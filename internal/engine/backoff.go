package engine

import (
	"math"
	"time"

	"github.com/roach88/fieldsync/internal/op"
)

// Default backoff parameters.
const (
	DefaultBackoffBase    = time.Second
	DefaultBackoffCeiling = 30 * time.Second
	DefaultMaxRetries     = 5
)

// Backoff computes per-operation retry eligibility.
//
// After r failed attempts (r >= 1) the next attempt waits
// min(Base * 2^r, Ceiling) from the last attempt: 2s, 4s, 8s, 16s, 30s,
// 30s... with the defaults. An operation that has never failed is always
// due.
type Backoff struct {
	Base       time.Duration
	Ceiling    time.Duration
	MaxRetries int // Failures allowed before the operation is FAILED
}

// DefaultBackoff returns base=1s, ceiling=30s, maxRetries=5.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       DefaultBackoffBase,
		Ceiling:    DefaultBackoffCeiling,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns the wait after the given number of failures.
func (b Backoff) Delay(retries int) time.Duration {
	if retries <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < retries; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if b.Ceiling > 0 && d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if b.Ceiling > 0 && d > b.Ceiling {
		return b.Ceiling
	}
	return d
}

// NextAttemptAt returns the earliest time o may be attempted again.
// The zero time means immediately.
func (b Backoff) NextAttemptAt(o op.Operation) time.Time {
	if o.Retries <= 0 || o.LastAttemptAt == nil {
		return time.Time{}
	}
	return o.LastAttemptAt.Add(b.Delay(o.Retries))
}

// Due reports whether o's backoff window has elapsed at now. Status is not
// considered; callers filter by op.Status.Schedulable first.
func (b Backoff) Due(o op.Operation, now time.Time) bool {
	next := b.NextAttemptAt(o)
	return next.IsZero() || !now.Before(next)
}

// Exhausted reports whether retries failures use up the budget.
func (b Backoff) Exhausted(retries int) bool {
	return b.MaxRetries > 0 && retries >= b.MaxRetries
}
