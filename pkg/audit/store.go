package audit

import "context"

// Store is the persistence boundary for audit records. Implementations
// must be safe for one writer goroutine plus concurrent readers.
type Store interface {
	// Save appends one record.
	Save(ctx context.Context, record *Record) error

	// Recent returns the newest records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// ByAction returns the newest records with the given action,
	// newest first.
	ByAction(ctx context.Context, action Action, limit int) ([]*Record, error)

	// Stats returns totals grouped by action and provider.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases store resources.
	Close() error
}
