// Package ratelimit implements per-identity token-bucket rate limiting
// for the request pipeline.
//
// Each client identity gets a lazily-created bucket. Buckets refill at a
// fixed rate on a fixed interval granularity and are swept after a period
// of inactivity. TryConsume and Status are constant-time and never touch
// the storage backend; Sweep, Stats and Statuses walk every bucket, and
// Reset, Sweep, Persist and Close write to the backend when one is set.
// The limiter is safe for concurrent use from every request goroutine
// plus the background sweeper.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/limits/storage"
)

// Config parameterises the limiter.
type Config struct {
	// MaxTokens is the bucket capacity.
	MaxTokens float64

	// RefillRate is tokens added per elapsed RefillInterval.
	RefillRate float64

	// RefillInterval is the refill granularity.
	RefillInterval time.Duration

	// SweepAfter is how long an untouched bucket survives before Sweep
	// removes it.
	SweepAfter time.Duration
}

// Status is a read-only projection of one identity's bucket.
type Status struct {
	Identity  string    `json:"identity"`
	Remaining float64   `json:"remaining"`
	MaxTokens float64   `json:"max_tokens"`
	ResetAt   time.Time `json:"reset_at"`
	Allowed   uint64    `json:"allowed"`
	Rejected  uint64    `json:"rejected"`
}

// Stats summarises limiter activity across all identities.
type Stats struct {
	ActiveBuckets int     `json:"active_buckets"`
	Allowed       uint64  `json:"allowed"`
	Rejected      uint64  `json:"rejected"`
	MaxTokens     float64 `json:"max_tokens"`
	RefillRate    float64 `json:"refill_rate"`
}

// Limiter maps client identities to token buckets.
type Limiter struct {
	cfg   Config
	clk   clock.Clock
	store storage.Backend // optional; nil means memory-only

	mu      sync.Mutex
	buckets map[string]*bucket

	logger *slog.Logger
}

// New creates a limiter. clk must not be nil. backend may be nil for a
// memory-only limiter; when set, previously persisted bucket state is
// restored immediately.
func New(cfg Config, clk clock.Clock, backend storage.Backend) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clk:     clk,
		store:   backend,
		buckets: make(map[string]*bucket),
		logger:  slog.Default().With("component", "ratelimit"),
	}

	if backend != nil {
		l.restore()
	}

	return l
}

// TryConsume attempts to take cost tokens from identity's bucket,
// creating it full on first use. It returns true when the request may
// proceed. The refill advance is preserved even on rejection.
func (l *Limiter) TryConsume(identity string, cost float64) bool {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok {
		b = newBucket(l.cfg.MaxTokens, now)
		l.buckets[identity] = b
	}

	b.refill(now, l.cfg.MaxTokens, l.cfg.RefillRate, l.cfg.RefillInterval)
	return b.take(cost)
}

// Status returns a read-only projection for identity without advancing
// the refill clock. Unknown identities read as a full bucket.
func (l *Limiter) Status(identity string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok {
		return Status{
			Identity:  identity,
			Remaining: l.cfg.MaxTokens,
			MaxTokens: l.cfg.MaxTokens,
			ResetAt:   l.clk.Now(),
		}
	}

	return Status{
		Identity:  identity,
		Remaining: b.tokens,
		MaxTokens: l.cfg.MaxTokens,
		ResetAt:   b.lastRefill.Add(l.cfg.RefillInterval),
		Allowed:   b.allowed,
		Rejected:  b.rejected,
	}
}

// Statuses returns projections for every active identity.
func (l *Limiter) Statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Status, 0, len(l.buckets))
	for identity, b := range l.buckets {
		out = append(out, Status{
			Identity:  identity,
			Remaining: b.tokens,
			MaxTokens: l.cfg.MaxTokens,
			ResetAt:   b.lastRefill.Add(l.cfg.RefillInterval),
			Allowed:   b.allowed,
			Rejected:  b.rejected,
		})
	}
	return out
}

// Reset deletes identity's bucket so its next request starts full.
// Returns true when a bucket existed.
func (l *Limiter) Reset(identity string) bool {
	l.mu.Lock()
	_, ok := l.buckets[identity]
	delete(l.buckets, identity)
	l.mu.Unlock()

	if ok && l.store != nil {
		if err := l.store.Delete(context.Background(), identity); err != nil {
			l.logger.Warn("failed to delete persisted bucket", "identity", identity, "error", err)
		}
	}
	return ok
}

// Sweep removes buckets untouched for longer than SweepAfter and returns
// how many were removed. Invoked by the background scheduler, never from
// the request path.
func (l *Limiter) Sweep() int {
	now := l.clk.Now()

	l.mu.Lock()
	var stale []string
	for identity, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.cfg.SweepAfter {
			stale = append(stale, identity)
		}
	}
	for _, identity := range stale {
		delete(l.buckets, identity)
	}
	l.mu.Unlock()

	if l.store != nil {
		if _, err := l.store.Cleanup(context.Background(), now.Add(-l.cfg.SweepAfter)); err != nil {
			l.logger.Warn("persisted bucket cleanup failed", "error", err)
		}
	}

	if len(stale) > 0 {
		l.logger.Info("swept stale rate-limit buckets", "count", len(stale))
	}
	return len(stale)
}

// Stats aggregates counters across all buckets.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		ActiveBuckets: len(l.buckets),
		MaxTokens:     l.cfg.MaxTokens,
		RefillRate:    l.cfg.RefillRate,
	}
	for _, b := range l.buckets {
		s.Allowed += b.allowed
		s.Rejected += b.rejected
	}
	return s
}

// Persist writes the current bucket state to the backend. A no-op for
// memory-only limiters.
func (l *Limiter) Persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	states := make([]*storage.BucketState, 0, len(l.buckets))
	for identity, b := range l.buckets {
		states = append(states, &storage.BucketState{
			Identity:   identity,
			Tokens:     b.tokens,
			LastRefill: b.lastRefill,
			Allowed:    b.allowed,
			Rejected:   b.rejected,
			UpdatedAt:  l.clk.Now(),
		})
	}
	l.mu.Unlock()

	for _, st := range states {
		if err := l.store.Save(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Close persists state and releases the backend.
func (l *Limiter) Close() error {
	if l.store == nil {
		return nil
	}
	if err := l.Persist(context.Background()); err != nil {
		l.logger.Error("failed to persist rate-limit state on close", "error", err)
	}
	return l.store.Close()
}

// restore loads persisted bucket state. Buckets older than SweepAfter
// are skipped; they would be swept immediately anyway.
func (l *Limiter) restore() {
	states, err := l.store.List(context.Background())
	if err != nil {
		l.logger.Warn("failed to restore rate-limit state", "error", err)
		return
	}

	now := l.clk.Now()
	restored := 0

	l.mu.Lock()
	for _, st := range states {
		if now.Sub(st.LastRefill) > l.cfg.SweepAfter {
			continue
		}
		l.buckets[st.Identity] = &bucket{
			tokens:     st.Tokens,
			lastRefill: st.LastRefill,
			allowed:    st.Allowed,
			rejected:   st.Rejected,
		}
		restored++
	}
	l.mu.Unlock()

	if restored > 0 {
		l.logger.Info("restored rate-limit buckets", "count", restored)
	}
}
