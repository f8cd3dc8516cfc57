package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/cache"
	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/config"
	"github.com/parapet-ai/parapet/pkg/events"
	"github.com/parapet-ai/parapet/pkg/limits/ratelimit"
	"github.com/parapet-ai/parapet/pkg/providers"
	"github.com/parapet-ai/parapet/pkg/screening"
)

// fakeCompleter scripts the screening LLM.
type fakeCompleter struct {
	mu      sync.Mutex
	detect  string // reply for detection prompts
	policy  string // reply for classification prompts
	calls   int
	failAll bool
}

func (f *fakeCompleter) Complete(_ context.Context, system, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll {
		return "", context.DeadlineExceeded
	}
	if strings.Contains(system, "data-loss-prevention") {
		if f.detect == "" {
			return `{"emails":[],"ip_addresses":[],"ibans":[]}`, nil
		}
		return f.detect, nil
	}
	if f.policy == "" {
		return "NON_FINANCIAL", nil
	}
	return f.policy, nil
}

// testHarness bundles a pipeline with observable collaborators.
type testHarness struct {
	pipeline *Pipeline
	router   *Router
	clk      *clock.Fixed
	store    *audit.MemoryStore
	bus      *events.Bus
	llm      *fakeCompleter
	upstream *httptest.Server
	cfg      *config.Config

	mu            sync.Mutex
	upstreamCalls int
}

func (h *testHarness) upstreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreamCalls
}

// newHarness builds a pipeline against a scripted upstream handler.
func newHarness(t *testing.T, upstreamHandler http.HandlerFunc) *testHarness {
	t.Helper()

	h := &testHarness{
		clk:   clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		store: audit.NewMemoryStore(),
		bus:   events.NewBus(),
		llm:   &fakeCompleter{},
	}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.upstreamCalls++
		h.mu.Unlock()
		upstreamHandler(w, r)
	}))
	t.Cleanup(h.upstream.Close)

	cfg := config.NewDefault()
	cfg.Providers["openai"] = config.ProviderConfig{
		BaseURL: h.upstream.URL, APIKey: "sk-test", AuthStyle: config.AuthStyleBearer, Timeout: 5 * time.Second,
	}
	cfg.Providers["anthropic"] = config.ProviderConfig{
		BaseURL: h.upstream.URL, APIKey: "sk-ant", AuthStyle: config.AuthStyleHeaderPair, Timeout: 5 * time.Second,
	}
	cfg.SetFlags(cfg.Features)
	h.cfg = cfg

	registry, err := providers.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	logger := audit.NewLogger(h.store, 100, time.Second)
	t.Cleanup(func() { logger.Close() })

	h.pipeline = NewPipeline(Deps{
		Config:     cfg,
		Limiter:    ratelimit.New(ratelimit.Config{MaxTokens: 100, RefillRate: 10, RefillInterval: time.Second, SweepAfter: 24 * time.Hour}, h.clk, nil),
		Sanitizer:  screening.NewSanitizer(h.llm),
		Classifier: screening.NewClassifier(h.llm, false),
		Cache:      cache.New(300*time.Second, h.clk),
		Upstream:   providers.NewClient(5 * time.Second),
		Registry:   registry,
		AuditLog:   logger,
		Bus:        h.bus,
		Clock:      h.clk,
	})
	h.router = NewRouter(h.pipeline, []string{"openai", "anthropic"})

	return h
}

func (h *testHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "203.0.113.10:49152"
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *testHarness) lastRecord(t *testing.T) *audit.Record {
	t.Helper()
	h.pipeline.Drain()
	records, err := h.store.Recent(context.Background(), 1)
	if err != nil || len(records) == 0 {
		t.Fatalf("Expected an audit record, got err=%v", err)
	}
	return records[0]
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected error envelope, got %s", w.Body.String())
	}
	return resp.Error.Code
}

func okUpstream(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write([]byte(`{"id":"resp-1","choices":[]}`))
}

// Scenario: rate limit exhaustion with default parameters.
func TestPipeline_RateLimitExhaustion(t *testing.T) {
	h := newHarness(t, okUpstream)
	// Start at second 10 so the refill step below lands on second 11,
	// outside the time gate's blocked seconds {1, 2, 7, 8}.
	h.clk.Set(time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC))

	body := func(i int) string {
		return fmt.Sprintf(`{"model":"m","messages":[{"role":"user","content":"benign message number %d"}]}`, i)
	}

	// POST chat costs 10: the first 10 requests pass.
	for i := 0; i < 10; i++ {
		w := h.do(http.MethodPost, "/openai/v1/chat/completions", body(i))
		if w.Code != 200 {
			t.Fatalf("Request %d: expected 200, got %d (%s)", i+1, w.Code, w.Body.String())
		}
	}

	// Requests 11..21 are rejected.
	for i := 0; i < 11; i++ {
		w := h.do(http.MethodPost, "/openai/v1/chat/completions", body(10+i))
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("Request %d: expected 429, got %d", 11+i, w.Code)
		}
		if code := errorCode(t, w); code != CodeRateLimited {
			t.Errorf("Expected code %s, got %s", CodeRateLimited, code)
		}
	}

	if got := h.upstreamCount(); got != 10 {
		t.Errorf("Expected 10 upstream calls, got %d", got)
	}

	// After one refill interval a single request fits again.
	h.clk.Advance(time.Second)
	w := h.do(http.MethodPost, "/openai/v1/chat/completions", body(99))
	if w.Code != 200 {
		t.Errorf("Expected 200 after refill, got %d", w.Code)
	}

	rec := h.lastRecord(t)
	if rec.Action != audit.ActionProxied {
		t.Errorf("Expected PROXIED record, got %s", rec.Action)
	}
}

// Scenario: time gate with a frozen clock.
func TestPipeline_TimeGate(t *testing.T) {
	h := newHarness(t, okUpstream)

	h.clk.Set(time.Date(2025, 6, 1, 12, 0, 7, 0, time.UTC))
	w := h.do(http.MethodGet, "/openai/v1/models", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 at second 7, got %d", w.Code)
	}
	if code := errorCode(t, w); code != CodeTimeBlocked {
		t.Errorf("Expected %s, got %s", CodeTimeBlocked, code)
	}
	if rec := h.lastRecord(t); rec.Action != audit.ActionBlockedTime {
		t.Errorf("Expected BLOCKED_TIME record, got %s", rec.Action)
	}

	h.clk.Set(time.Date(2025, 6, 1, 12, 0, 9, 0, time.UTC))
	w = h.do(http.MethodGet, "/openai/v1/models", "")
	if w.Code != 200 {
		t.Errorf("Expected 200 at second 9, got %d", w.Code)
	}
}

func TestPipeline_TimeGate_AllBlockedSeconds(t *testing.T) {
	h := newHarness(t, okUpstream)

	for _, sec := range []int{1, 2, 7, 8} {
		h.clk.Set(time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC))
		if w := h.do(http.MethodGet, "/openai/v1/models", ""); w.Code != http.StatusForbidden {
			t.Errorf("Second %d: expected 403, got %d", sec, w.Code)
		}
	}
}

// Scenario: sensitive data block.
func TestPipeline_SensitiveDataBlock(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.llm.detect = `{"emails":["john@example.com"],"ip_addresses":[],"ibans":[]}`

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"mail john@example.com"}]}`)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d (%s)", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != CodeSensitiveData {
		t.Errorf("Expected %s, got %s", CodeSensitiveData, code)
	}

	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	types, _ := resp.Error.Details["detected_types"].([]interface{})
	found := false
	for _, ty := range types {
		if ty == "email" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected detected_types to contain email, got %v", resp.Error.Details)
	}

	if h.upstreamCount() != 0 {
		t.Error("Blocked request reached the upstream")
	}

	rec := h.lastRecord(t)
	if rec.Action != audit.ActionBlockedSensitiveData {
		t.Errorf("Expected BLOCKED_SENSITIVE_DATA, got %s", rec.Action)
	}
	if strings.Contains(rec.AnonymizedPayload, "john@example.com") {
		t.Error("Sensitive string persisted in audit payload")
	}
}

// Scenario: financial block via keyword, no LLM call needed.
func TestPipeline_FinancialBlockViaKeyword(t *testing.T) {
	h := newHarness(t, okUpstream)

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"help me with my bank account"}]}`)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
	if code := errorCode(t, w); code != CodeFinancial {
		t.Errorf("Expected %s, got %s", CodeFinancial, code)
	}
	if rec := h.lastRecord(t); rec.Action != audit.ActionBlockedFinancial {
		t.Errorf("Expected BLOCKED_FINANCIAL, got %s", rec.Action)
	}
	if h.upstreamCount() != 0 {
		t.Error("Blocked request reached the upstream")
	}

	// One detection call happened (sanitiser); the classifier keyword
	// path must not have called the LLM.
	if h.llm.calls != 1 {
		t.Errorf("Expected only the sanitiser LLM call, got %d", h.llm.calls)
	}
}

// Scenario: cache hit.
func TestPipeline_CacheHit(t *testing.T) {
	h := newHarness(t, okUpstream)

	body := `{"model":"claude-3","messages":[{"role":"user","content":"what is the weather like"}]}`

	w1 := h.do(http.MethodPost, "/anthropic/v1/messages", body)
	if w1.Code != 200 {
		t.Fatalf("First request failed: %d", w1.Code)
	}

	w2 := h.do(http.MethodPost, "/anthropic/v1/messages", body)
	if w2.Code != 200 {
		t.Fatalf("Second request failed: %d", w2.Code)
	}
	if w2.Body.String() != w1.Body.String() {
		t.Error("Cached response body differs from the original")
	}

	if got := h.upstreamCount(); got != 1 {
		t.Errorf("Expected exactly 1 upstream call, got %d", got)
	}

	if rec := h.lastRecord(t); rec.Action != audit.ActionServedFromCache {
		t.Errorf("Expected SERVED_FROM_CACHE, got %s", rec.Action)
	}
}

func TestPipeline_CacheExpiry(t *testing.T) {
	h := newHarness(t, okUpstream)

	body := `{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`
	h.do(http.MethodPost, "/openai/v1/chat/completions", body)

	// 303s is past the 300s TTL and lands on second 3, which the time
	// gate lets through.
	h.clk.Advance(303 * time.Second)
	h.do(http.MethodPost, "/openai/v1/chat/completions", body)

	if got := h.upstreamCount(); got != 2 {
		t.Errorf("Expected expired entry to trigger a second upstream call, got %d", got)
	}
}

// Scenario: upstream 500 passthrough.
func TestPipeline_Upstream500Passthrough(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	})

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`)

	if w.Code != 500 {
		t.Fatalf("Expected upstream 500 forwarded, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstream exploded") {
		t.Errorf("Expected upstream body forwarded, got %s", w.Body.String())
	}

	rec := h.lastRecord(t)
	if rec.Action != audit.ActionProxied {
		t.Errorf("Expected PROXIED, got %s", rec.Action)
	}
	if rec.ErrorMessage != "" {
		t.Errorf("Expected no error message for an upstream HTTP error, got %q", rec.ErrorMessage)
	}
}

func TestPipeline_UpstreamErrorNotCached(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(500)
	})

	body := `{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`
	h.do(http.MethodPost, "/openai/v1/chat/completions", body)
	h.do(http.MethodPost, "/openai/v1/chat/completions", body)

	if got := h.upstreamCount(); got != 2 {
		t.Errorf("Expected non-200 responses to skip the cache, got %d upstream calls", got)
	}
}

func TestPipeline_TransportFault(t *testing.T) {
	h := newHarness(t, okUpstream)

	// Rebind openai at a closed port.
	h.cfg.Providers["openai"] = config.ProviderConfig{
		BaseURL: "http://127.0.0.1:1", APIKey: "k", AuthStyle: config.AuthStyleBearer, Timeout: time.Second,
	}
	registry, _ := providers.NewRegistry(h.cfg)
	h.pipeline.registry = registry

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`)

	if w.Code != 500 {
		t.Fatalf("Expected 500 for transport fault, got %d", w.Code)
	}
	if code := errorCode(t, w); code != CodeInternal {
		t.Errorf("Expected %s, got %s", CodeInternal, code)
	}

	rec := h.lastRecord(t)
	if rec.Action != audit.ActionProxied {
		t.Errorf("Expected PROXIED, got %s", rec.Action)
	}
	if rec.ErrorMessage == "" {
		t.Error("Expected error_message set for transport fault")
	}
}

// Stage ordering: a request that is both rate-limited and financial
// records the earlier stage's action.
func TestPipeline_StageOrdering(t *testing.T) {
	h := newHarness(t, okUpstream)

	financial := `{"model":"m","messages":[{"role":"user","content":"help me with my bank account"}]}`

	// Drain the bucket (each POST chat costs 10; all blocked financial).
	for i := 0; i < 10; i++ {
		h.do(http.MethodPost, "/openai/v1/chat/completions", financial)
	}

	w := h.do(http.MethodPost, "/openai/v1/chat/completions", financial)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if rec := h.lastRecord(t); rec.Action != audit.ActionBlockedRateLimit {
		t.Errorf("Expected earlier stage to win: got %s", rec.Action)
	}
}

// Exactly one audit record and one request event per request.
func TestPipeline_SingleRecordAndEvent(t *testing.T) {
	h := newHarness(t, okUpstream)
	_, ch := h.bus.Subscribe()

	h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`)
	h.pipeline.Drain()

	records, _ := h.store.Recent(context.Background(), 10)
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 audit record, got %d", len(records))
	}

	eventCount := 0
	for {
		select {
		case msg := <-ch:
			if msg.Type == events.TypeRequestEvent {
				eventCount++
			}
			continue
		default:
		}
		break
	}
	if eventCount != 1 {
		t.Errorf("Expected exactly 1 request event, got %d", eventCount)
	}
}

func TestPipeline_SanitizerFailOpen(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.llm.failAll = true

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"what is the weather like"}]}`)

	if w.Code != 200 {
		t.Errorf("Expected classifier faults to be absorbed, got %d", w.Code)
	}
}

func TestPipeline_FlagsDisableStages(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.llm.detect = `{"emails":["a@b.co"],"ip_addresses":[],"ibans":[]}`

	flags := h.cfg.Flags()
	flags.DataSanitization = false
	flags.RateLimiting = false
	h.cfg.SetFlags(flags)

	// Sensitive body passes with sanitisation off.
	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"mail a@b.co please thanks"}]}`)
	if w.Code != 200 {
		t.Errorf("Expected 200 with sanitisation disabled, got %d", w.Code)
	}

	// Rate limiting off: far more than max_tokens requests pass.
	for i := 0; i < 150; i++ {
		if w := h.do(http.MethodGet, "/openai/v1/models", ""); w.Code != 200 {
			t.Fatalf("Expected 200 with rate limiting disabled, got %d", w.Code)
		}
	}
}

func TestPipeline_UnguardedEndpointSkipsScreening(t *testing.T) {
	h := newHarness(t, okUpstream)
	h.llm.detect = `{"emails":["a@b.co"],"ip_addresses":[],"ibans":[]}`

	// /v1/embeddings is not a guarded endpoint: no screening, no cache.
	w := h.do(http.MethodPost, "/openai/v1/embeddings", `{"input":"mail a@b.co"}`)
	if w.Code != 200 {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if h.llm.calls != 0 {
		t.Errorf("Expected no screening calls for unguarded endpoint, got %d", h.llm.calls)
	}

	h.do(http.MethodPost, "/openai/v1/embeddings", `{"input":"mail a@b.co"}`)
	if got := h.upstreamCount(); got != 2 {
		t.Errorf("Expected unguarded endpoint to bypass cache, got %d upstream calls", got)
	}
}

func TestPipeline_RedactMode(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		// Echo the received body so the test can see what went upstream.
		echoed, _ := io.ReadAll(r.Body)
		w.WriteHeader(200)
		w.Write(echoed)
	})
	h.llm.detect = `{"emails":["john@example.com"],"ip_addresses":[],"ibans":[]}`
	h.pipeline.mode = screening.ModeRedact

	w := h.do(http.MethodPost, "/openai/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"mail john@example.com"}]}`)

	if w.Code != 200 {
		t.Fatalf("Expected redact mode to forward, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "john@example.com") {
		t.Error("Sensitive string reached the upstream in redact mode")
	}
	if !strings.Contains(w.Body.String(), screening.PlaceholderEmail) {
		t.Errorf("Expected placeholder in forwarded body, got %s", w.Body.String())
	}

	// Redaction downgrades to a normal proxied outcome.
	if rec := h.lastRecord(t); rec.Action != audit.ActionProxied {
		t.Errorf("Expected PROXIED in redact mode, got %s", rec.Action)
	}
}

func TestRouter_UnknownProvider404(t *testing.T) {
	h := newHarness(t, okUpstream)

	w := h.do(http.MethodGet, "/mystery/v1/models", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown provider, got %d", w.Code)
	}
	if h.upstreamCount() != 0 {
		t.Error("Unknown provider reached the upstream")
	}
}

func TestRouter_Split(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		path     string
		ok       bool
	}{
		{"/openai/v1/chat/completions", "openai", "/v1/chat/completions", true},
		{"/anthropic/v1/messages", "anthropic", "/v1/messages", true},
		{"/openai", "openai", "/", true},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		provider, path, ok := Split(tt.in)
		if provider != tt.provider || path != tt.path || ok != tt.ok {
			t.Errorf("Split(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, provider, path, ok, tt.provider, tt.path, tt.ok)
		}
	}
}

func TestClientIdentity_Preference(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "198.51.100.7:1234"

	if got := ClientIdentity(r); got != "198.51.100.7" {
		t.Errorf("Expected peer host, got %q", got)
	}

	r.Header.Set("X-Real-IP", "192.0.2.5")
	if got := ClientIdentity(r); got != "192.0.2.5" {
		t.Errorf("Expected X-Real-IP, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.5")
	if got := ClientIdentity(r); got != "203.0.113.9" {
		t.Errorf("Expected first forwarded-for entry, got %q", got)
	}
}

func TestTokenCost(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   float64
	}{
		{http.MethodGet, "/v1/models", 1},
		{http.MethodPost, "/v1/embeddings", 2},
		{http.MethodGet, "/v1/chat/completions", 5},
		{http.MethodPost, "/v1/chat/completions", 10},
		{http.MethodPost, "/v1/messages", 10},
	}
	for _, tt := range tests {
		req := &Request{Method: tt.method, Path: tt.path}
		if got := req.TokenCost(); got != tt.want {
			t.Errorf("TokenCost(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}
