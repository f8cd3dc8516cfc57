package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/jsontree"
)

func frozen() *clock.Fixed {
	return clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestGetPut_TTL(t *testing.T) {
	clk := frozen()
	c := New(300*time.Second, clk)

	c.Put("fp", 200, http.Header{"Content-Type": []string{"application/json"}}, []byte(`{"ok":true}`))

	// Just before expiry the entry is served.
	clk.Advance(300*time.Second - time.Millisecond)
	e, ok := c.Get("fp")
	if !ok {
		t.Fatal("Expected hit before expiry")
	}
	if e.Status != 200 || string(e.Body) != `{"ok":true}` {
		t.Errorf("Unexpected entry: %+v", e)
	}

	// At exactly insert+ttl the entry is expired.
	clk.Advance(time.Millisecond)
	if _, ok := c.Get("fp"); ok {
		t.Error("Expected miss at expiry instant")
	}
}

func TestGet_MissUnknown(t *testing.T) {
	c := New(time.Minute, frozen())
	if _, ok := c.Get("absent"); ok {
		t.Error("Expected miss for unknown fingerprint")
	}
}

func TestStats_Identity(t *testing.T) {
	clk := frozen()
	c := New(time.Minute, clk)

	c.Put("a", 200, nil, []byte("x"))
	c.Get("a")      // hit
	c.Get("b")      // miss
	c.Get("a")      // hit
	c.Get("absent") // miss

	s := c.Stats()
	if s.Hits+s.Misses != s.TotalRequests {
		t.Errorf("hits+misses != total: %+v", s)
	}
	if s.Hits != 2 || s.Misses != 2 {
		t.Errorf("Expected 2/2, got %+v", s)
	}
	if s.HitRate < 0 || s.HitRate > 1 {
		t.Errorf("Hit rate out of range: %v", s.HitRate)
	}
	if s.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %v", s.HitRate)
	}
}

func TestStats_EmptyHitRate(t *testing.T) {
	c := New(time.Minute, frozen())
	if got := c.Stats().HitRate; got != 0 {
		t.Errorf("Expected 0 hit rate with no lookups, got %v", got)
	}
}

func TestPut_Replaces(t *testing.T) {
	c := New(time.Minute, frozen())

	c.Put("fp", 200, nil, []byte("old"))
	c.Put("fp", 200, nil, []byte("new"))

	e, _ := c.Get("fp")
	if string(e.Body) != "new" {
		t.Errorf("Expected replacement, got %q", e.Body)
	}
	if c.Stats().Size != 1 {
		t.Errorf("Expected size 1, got %d", c.Stats().Size)
	}
}

func TestEvict_RemovesExpiredOnly(t *testing.T) {
	clk := frozen()
	c := New(time.Minute, clk)

	c.Put("old", 200, nil, []byte("x"))
	clk.Advance(30 * time.Second)
	c.Put("new", 200, nil, []byte("y"))
	clk.Advance(31 * time.Second)

	if removed := c.Evict(); removed != 1 {
		t.Errorf("Expected 1 evicted, got %d", removed)
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("Fresh entry evicted")
	}
}

func TestFilterHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type":      []string{"application/json"},
		"Transfer-Encoding": []string{"chunked"},
		"Content-Length":    []string{"42"},
		"Connection":        []string{"keep-alive"},
		"Keep-Alive":        []string{"timeout=5"},
		"Content-Encoding":  []string{"gzip"},
		"X-Request-Id":      []string{"abc"},
	}

	got := FilterHeaders(h)

	for _, banned := range []string{"Transfer-Encoding", "Content-Length", "Connection", "Keep-Alive", "Content-Encoding"} {
		if got.Get(banned) != "" {
			t.Errorf("Expected %s to be dropped", banned)
		}
	}
	if got.Get("Content-Type") != "application/json" || got.Get("X-Request-Id") != "abc" {
		t.Errorf("Expected benign headers kept, got %v", got)
	}
}

func TestFingerprint_KeyOrderInsensitive(t *testing.T) {
	a, _ := jsontree.Decode([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	b, _ := jsontree.Decode([]byte(`{"messages":[{"content":"hi","role":"user"}],"model":"m"}`))

	if Fingerprint("openai", "/v1/chat/completions", a) != Fingerprint("openai", "/v1/chat/completions", b) {
		t.Error("Expected identical fingerprints for structurally equal bodies")
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	body, _ := jsontree.Decode([]byte(`{"model":"m"}`))

	base := Fingerprint("openai", "/v1/chat/completions", body)
	if Fingerprint("anthropic", "/v1/chat/completions", body) == base {
		t.Error("Provider must be part of the fingerprint")
	}
	if Fingerprint("openai", "/v1/other", body) == base {
		t.Error("Path must be part of the fingerprint")
	}

	other, _ := jsontree.Decode([]byte(`{"model":"n"}`))
	if Fingerprint("openai", "/v1/chat/completions", other) == base {
		t.Error("Body must be part of the fingerprint")
	}
}

func TestFingerprint_Length(t *testing.T) {
	body, _ := jsontree.Decode([]byte(`{}`))
	fp := Fingerprint("openai", "/x", body)
	if len(fp) != 64 {
		t.Errorf("Expected 64 hex chars (SHA-256), got %d", len(fp))
	}
}
