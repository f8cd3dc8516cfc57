// Package storage persists rate-limit bucket state across restarts.
//
// The memory backend is the default and simply forgets everything on
// exit. The SQLite backend snapshots bucket state so a restarted proxy
// resumes with the limits it had, rather than handing every client a
// fresh full bucket.
package storage

import (
	"context"
	"time"
)

// BucketState is the serialisable state of one identity's bucket.
type BucketState struct {
	Identity   string
	Tokens     float64
	LastRefill time.Time
	Allowed    uint64
	Rejected   uint64
	UpdatedAt  time.Time
}

// Backend stores bucket state. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Save inserts or replaces the state for state.Identity.
	Save(ctx context.Context, state *BucketState) error

	// Load returns the state for identity, or nil when absent.
	Load(ctx context.Context, identity string) (*BucketState, error)

	// List returns all stored states.
	List(ctx context.Context) ([]*BucketState, error)

	// Delete removes the state for identity. No-op when absent.
	Delete(ctx context.Context, identity string) error

	// Cleanup removes states whose LastRefill is before cutoff and
	// returns how many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
