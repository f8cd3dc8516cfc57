package ratelimit

import (
	"math"
	"time"
)

// bucket is the token-bucket state for a single client identity.
//
// Refill is tied to discrete intervals: elapsed time is divided by the
// refill interval and floored, so under steady low-traffic load the
// refill is deterministic and test-observable. Tokens never exceed the
// capacity and never go negative.
//
// bucket is not self-locking; the owning Limiter serialises access.
type bucket struct {
	tokens     float64
	lastRefill time.Time

	// counters for the status/stats projections
	allowed  uint64
	rejected uint64
}

func newBucket(capacity float64, now time.Time) *bucket {
	return &bucket{
		tokens:     capacity,
		lastRefill: now,
	}
}

// refill advances the bucket to now, adding refillRate tokens per whole
// interval elapsed since the last refill. lastRefill only moves when at
// least one interval has passed, so partial intervals keep accruing.
func (b *bucket) refill(now time.Time, capacity, refillRate float64, interval time.Duration) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	intervals := math.Floor(float64(elapsed) / float64(interval))
	if intervals <= 0 {
		return
	}

	b.tokens = math.Min(capacity, b.tokens+intervals*refillRate)
	b.lastRefill = now
}

// take consumes cost tokens if available. The refill must already have
// been applied by the caller.
func (b *bucket) take(cost float64) bool {
	if b.tokens >= cost {
		b.tokens -= cost
		b.allowed++
		return true
	}
	b.rejected++
	return false
}
