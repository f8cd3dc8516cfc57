package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const bucketSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	identity    TEXT PRIMARY KEY,
	tokens      REAL NOT NULL,
	last_refill INTEGER NOT NULL,
	allowed     INTEGER NOT NULL DEFAULT 0,
	rejected    INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buckets_last_refill ON rate_limit_buckets(last_refill);
`

// SQLiteBackend persists bucket state in a SQLite file. Suitable for
// single-instance deployments that want limits to survive restarts.
//
// Timestamps are stored as Unix milliseconds; SQLite only has a single
// writer so the connection pool is pinned to one connection.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed initialises) the state file at
// path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rate-limit state db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(bucketSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise rate-limit schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Save inserts or replaces the state for state.Identity.
func (s *SQLiteBackend) Save(ctx context.Context, state *BucketState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (identity, tokens, last_refill, allowed, rejected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill = excluded.last_refill,
			allowed = excluded.allowed,
			rejected = excluded.rejected,
			updated_at = excluded.updated_at`,
		state.Identity, state.Tokens, state.LastRefill.UnixMilli(),
		state.Allowed, state.Rejected, state.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save bucket state: %w", err)
	}
	return nil
}

// Load returns the state for identity, or nil when absent.
func (s *SQLiteBackend) Load(ctx context.Context, identity string) (*BucketState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, tokens, last_refill, allowed, rejected, updated_at
		FROM rate_limit_buckets WHERE identity = ?`, identity)

	st, err := scanBucket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bucket state: %w", err)
	}
	return st, nil
}

// List returns all stored states.
func (s *SQLiteBackend) List(ctx context.Context) ([]*BucketState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, tokens, last_refill, allowed, rejected, updated_at
		FROM rate_limit_buckets`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket state: %w", err)
	}
	defer rows.Close()

	var out []*BucketState
	for rows.Next() {
		st, err := scanBucket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete removes the state for identity.
func (s *SQLiteBackend) Delete(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_buckets WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("failed to delete bucket state: %w", err)
	}
	return nil
}

// Cleanup removes states whose LastRefill is before cutoff.
func (s *SQLiteBackend) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets WHERE last_refill < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up bucket state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func scanBucket(scan func(dest ...any) error) (*BucketState, error) {
	var st BucketState
	var lastRefill, updatedAt int64
	if err := scan(&st.Identity, &st.Tokens, &lastRefill, &st.Allowed, &st.Rejected, &updatedAt); err != nil {
		return nil, err
	}
	st.LastRefill = time.UnixMilli(lastRefill)
	st.UpdatedAt = time.UnixMilli(updatedAt)
	return &st, nil
}
