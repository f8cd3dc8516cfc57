// Package audit persists one record per proxied request and answers the
// read-side queries behind /stats and /logs. Writes go through an
// asynchronous logger that never blocks the request path.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action is the terminal outcome of a request. Exactly one action is
// recorded per inbound request.
type Action string

const (
	ActionProxied              Action = "PROXIED"
	ActionBlockedTime          Action = "BLOCKED_TIME"
	ActionBlockedFinancial     Action = "BLOCKED_FINANCIAL"
	ActionBlockedRateLimit     Action = "BLOCKED_RATE_LIMIT"
	ActionBlockedSensitiveData Action = "BLOCKED_SENSITIVE_DATA"
	ActionServedFromCache      Action = "SERVED_FROM_CACHE"
)

// KnownAction reports whether a is one of the defined outcome labels.
// Used to validate the :action path parameter on /logs.
func KnownAction(a Action) bool {
	switch a {
	case ActionProxied, ActionBlockedTime, ActionBlockedFinancial,
		ActionBlockedRateLimit, ActionBlockedSensitiveData, ActionServedFromCache:
		return true
	}
	return false
}

// Record is one audit log row.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Endpoint  string    `json:"endpoint"`
	Action    Action    `json:"action"`

	// AnonymizedPayload is the request body serialised after
	// sanitisation, so sensitive strings never reach disk.
	AnonymizedPayload string `json:"anonymized_payload"`

	// ResponseTimeMs is nil for requests that never reached a response
	// (shouldn't happen in practice, but the column is nullable).
	ResponseTimeMs *int64 `json:"response_time_ms"`

	// ErrorMessage carries the underlying cause for transport faults.
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRecord creates a record with a fresh id.
func NewRecord(timestamp time.Time, provider, endpoint string, action Action) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Timestamp: timestamp,
		Provider:  provider,
		Endpoint:  endpoint,
		Action:    action,
	}
}

// WithResponseTime sets the response latency in milliseconds.
func (r *Record) WithResponseTime(d time.Duration) *Record {
	ms := d.Milliseconds()
	r.ResponseTimeMs = &ms
	return r
}

// Stats is the aggregate view over all records.
type Stats struct {
	Total      int64            `json:"total"`
	ByAction   map[Action]int64 `json:"by_action"`
	ByProvider map[string]int64 `json:"by_provider"`
}
