// Package cache stores buffered upstream responses keyed by request
// fingerprint, so identical benign requests inside the TTL window are
// answered without another provider round trip.
package cache

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/parapet-ai/parapet/pkg/clock"
)

// hopHeaders are never stored or replayed: a cached response is served
// from a different connection than the one that produced it, so framing
// and encoding headers would lie.
var hopHeaders = map[string]struct{}{
	"transfer-encoding": {},
	"content-length":    {},
	"connection":        {},
	"keep-alive":        {},
	"content-encoding":  {},
}

// Entry is one cached upstream response.
type Entry struct {
	Status     int
	Headers    http.Header
	Body       []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Size          int     `json:"size"`
	Evictions     uint64  `json:"evictions"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache is a fingerprint-keyed response cache with TTL expiry and
// hit/miss accounting. Safe for concurrent use.
type Cache struct {
	clk clock.Clock
	ttl time.Duration

	mu        sync.Mutex
	entries   map[string]*Entry
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache whose entries expire ttl after insertion.
func New(ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]*Entry),
	}
}

// Get returns the entry for fp if present and unexpired. Expired entries
// are evicted lazily on access. Every call counts as a hit or a miss.
func (c *Cache) Get(fp string) (*Entry, bool) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		c.misses++
		return nil, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(c.entries, fp)
		c.evictions++
		c.misses++
		return nil, false
	}

	c.hits++
	return e, true
}

// Put stores or replaces the response under fp. Hop-by-hop and framing
// headers are dropped before storage.
func (c *Cache) Put(fp string, status int, headers http.Header, body []byte) {
	now := c.clk.Now()

	e := &Entry{
		Status:     status,
		Headers:    FilterHeaders(headers),
		Body:       body,
		InsertedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[fp] = e
	c.mu.Unlock()
}

// Evict removes all expired entries and returns how many were dropped.
// Called by the background sweeper.
func (c *Cache) Evict() int {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, fp)
			c.evictions++
			removed++
		}
	}
	return removed
}

// Stats returns the current counters. TotalRequests is hits+misses and
// HitRate is 0 when no lookups have happened yet.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Size:          len(c.entries),
		Evictions:     c.evictions,
		TotalRequests: total,
	}
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// FilterHeaders copies h without the hop-by-hop and framing headers.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, drop := hopHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
