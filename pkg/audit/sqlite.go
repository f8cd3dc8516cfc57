package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id                 TEXT PRIMARY KEY,
	timestamp          TIMESTAMP NOT NULL,
	provider           TEXT NOT NULL,
	anonymized_payload TEXT NOT NULL DEFAULT '',
	action             VARCHAR(32) NOT NULL,
	endpoint           TEXT NOT NULL,
	response_time_ms   INTEGER,
	error_message      TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_provider  ON audit_log(provider);
CREATE INDEX IF NOT EXISTS idx_audit_action    ON audit_log(action);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the audit database at path, creating the schema
// when missing. WAL mode keeps the single logger writer from stalling
// the query handlers.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	logger := slog.Default().With("component", "audit.sqlite")
	logger.Info("audit store initialized", "path", path)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save appends one record.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	var errMsg interface{}
	if record.ErrorMessage != "" {
		errMsg = record.ErrorMessage
	}

	var responseTime interface{}
	if record.ResponseTimeMs != nil {
		responseTime = *record.ResponseTimeMs
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, provider, anonymized_payload, action, endpoint, response_time_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Timestamp.UTC(), record.Provider, record.AnonymizedPayload,
		string(record.Action), record.Endpoint, responseTime, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to store audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return s.query(ctx, `
		SELECT id, timestamp, provider, anonymized_payload, action, endpoint, response_time_ms, error_message
		FROM audit_log ORDER BY timestamp DESC, id LIMIT ?`, normalizeLimit(limit))
}

// ByAction returns the newest records with the given action.
func (s *SQLiteStore) ByAction(ctx context.Context, action Action, limit int) ([]*Record, error) {
	return s.query(ctx, `
		SELECT id, timestamp, provider, anonymized_payload, action, endpoint, response_time_ms, error_message
		FROM audit_log WHERE action = ? ORDER BY timestamp DESC, id LIMIT ?`,
		string(action), normalizeLimit(limit))
}

// Stats returns totals grouped by action and provider.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByAction:   make(map[Action]int64),
		ByProvider: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by action: %w", err)
	}
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByAction[Action(action)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM audit_log GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by provider: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, err
		}
		stats.ByProvider[provider] = count
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		var r Record
		var action string
		var timestamp time.Time
		var responseTime sql.NullInt64
		var errMsg sql.NullString

		if err := rows.Scan(&r.ID, &timestamp, &r.Provider, &r.AnonymizedPayload,
			&action, &r.Endpoint, &responseTime, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		r.Timestamp = timestamp
		r.Action = Action(action)
		if responseTime.Valid {
			v := responseTime.Int64
			r.ResponseTimeMs = &v
		}
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
