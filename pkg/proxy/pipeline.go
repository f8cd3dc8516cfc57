// Package proxy contains the request-processing pipeline: the ordered
// security stages every inbound provider request passes through, and the
// router that feeds them.
//
// Stage order is fixed: rate limit, time gate, sanitisation, policy
// classification, cache lookup, upstream dispatch, cache insertion.
// A stage either passes, short-circuits with a terminal action, or fails
// the request. Every request produces exactly one audit record and one
// request event, whatever its outcome.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/cache"
	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/config"
	"github.com/parapet-ai/parapet/pkg/events"
	"github.com/parapet-ai/parapet/pkg/limits/ratelimit"
	"github.com/parapet-ai/parapet/pkg/providers"
	"github.com/parapet-ai/parapet/pkg/screening"
	"github.com/parapet-ai/parapet/pkg/telemetry/metrics"
)

// blockedSeconds is the fixed second-of-minute set rejected by the time
// gate. The exact values make the gate deterministic under a frozen
// clock.
var blockedSeconds = map[int]struct{}{1: {}, 2: {}, 7: {}, 8: {}}

// maxPayloadAudit caps the anonymised payload stored per audit row.
const maxPayloadAudit = 4096

// Pipeline orchestrates the per-request stages. All dependencies are
// injected at startup; the pipeline itself is stateless between
// requests.
type Pipeline struct {
	cfg        *config.Config
	limiter    *ratelimit.Limiter
	sanitizer  *screening.Sanitizer
	classifier *screening.Classifier
	cache      *cache.Cache
	upstream   *providers.Client
	registry   *providers.Registry
	auditLog   *audit.Logger
	bus        *events.Bus
	clk        clock.Clock
	metrics    *metrics.Metrics
	mode       screening.Mode
	logger     *slog.Logger
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Config     *config.Config
	Limiter    *ratelimit.Limiter
	Sanitizer  *screening.Sanitizer
	Classifier *screening.Classifier
	Cache      *cache.Cache
	Upstream   *providers.Client
	Registry   *providers.Registry
	AuditLog   *audit.Logger
	Bus        *events.Bus
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// NewPipeline wires the stages to their collaborators.
func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		cfg:        d.Config,
		limiter:    d.Limiter,
		sanitizer:  d.Sanitizer,
		classifier: d.Classifier,
		cache:      d.Cache,
		upstream:   d.Upstream,
		registry:   d.Registry,
		auditLog:   d.AuditLog,
		bus:        d.Bus,
		clk:        d.Clock,
		metrics:    d.Metrics,
		mode:       screening.Mode(d.Config.Screening.Mode),
		logger:     slog.Default().With("component", "pipeline"),
	}
}

// Handle runs one request through the stages and writes the response.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, providerName, upstreamPath string) {
	now := p.clk.Now()

	req, err := Capture(r, providerName, upstreamPath, now)
	if err != nil {
		resp := NewErrorResponse(CodeInternal, "Failed to read request body", r, now)
		WriteError(w, resp)
		p.finish(bareRequest(providerName, upstreamPath, r, now), audit.ActionProxied, nil, err.Error())
		return
	}

	flags := p.cfg.Flags()

	// Stage 1: rate limit.
	if flags.RateLimiting {
		if !p.limiter.TryConsume(req.Identity, req.TokenCost()) {
			p.metrics.RecordRateLimited()
			resp := NewErrorResponse(CodeRateLimited,
				"Rate limit exceeded. Too many requests from this client.", r, now).
				WithDetail("identity", req.Identity)
			WriteError(w, resp)
			p.finish(req, audit.ActionBlockedRateLimit, req.Body, "")
			return
		}
	}

	// Stage 2: time gate.
	if flags.TimeBasedBlocking {
		if _, blocked := blockedSeconds[now.Second()]; blocked {
			resp := NewErrorResponse(CodeTimeBlocked,
				"Requests are blocked during this time window.", r, now)
			WriteError(w, resp)
			p.finish(req, audit.ActionBlockedTime, req.Body, "")
			return
		}
	}

	// The sanitised body defaults to the original; redact mode may
	// replace it below.
	sanitizedBody := req.Body
	sanitizedTree := req.Tree

	// Stage 3: sanitisation.
	if flags.DataSanitization && req.Guarded() && req.TreeOK {
		detection := p.sanitizer.Scan(r.Context(), req.Tree)
		if !detection.Empty() {
			if p.mode == screening.ModeRedact {
				sanitizedTree = p.sanitizer.Redact(req.Tree, detection)
				if encoded, err := sanitizedTree.Encode(); err == nil {
					sanitizedBody = encoded
				}
				p.logger.Info("redacted sensitive data",
					"provider", req.Provider,
					"path", req.Path,
					"categories", detection.Categories(),
				)
			} else {
				resp := NewErrorResponse(CodeSensitiveData,
					"Request contains sensitive data and was blocked.", r, now).
					WithDetail("detected_types", detection.Categories())
				WriteError(w, resp)
				// Persist the redacted form, never the sensitive text.
				redacted, _ := p.sanitizer.Redact(req.Tree, detection).Encode()
				p.finish(req, audit.ActionBlockedSensitiveData, redacted, "")
				return
			}
		}
	}

	// Stage 4: policy classification.
	if flags.PolicyEnforcement && req.Guarded() && req.TreeOK {
		text := screening.CanonicalText(sanitizedBody)
		if screening.Classifiable(text) && p.classifier.IsFinancial(r.Context(), text) {
			resp := NewErrorResponse(CodeFinancial,
				"Financial content is not allowed through this proxy.", r, now)
			WriteError(w, resp)
			p.finish(req, audit.ActionBlockedFinancial, sanitizedBody, "")
			return
		}
	}

	// Stage 5: cache lookup.
	var fingerprint string
	cacheable := flags.Caching && req.Guarded() && req.TreeOK
	if cacheable {
		fingerprint = cache.Fingerprint(req.Provider, req.Path, sanitizedTree)
		if entry, ok := p.cache.Get(fingerprint); ok {
			p.metrics.RecordCacheHit()
			writeUpstream(w, entry.Status, entry.Headers, entry.Body)
			p.finish(req, audit.ActionServedFromCache, sanitizedBody, "")
			return
		}
		p.metrics.RecordCacheMiss()
	}

	// Stage 6: upstream dispatch.
	binding := p.registry.Lookup(req.Provider)
	if binding == nil {
		// The router only forwards registered providers; reaching this
		// point means the registry and router disagree.
		resp := NewErrorResponse(CodeInternal, "Provider not configured", r, now)
		WriteError(w, resp)
		p.finish(req, audit.ActionProxied, sanitizedBody, fmt.Sprintf("provider %s not configured", req.Provider))
		return
	}

	var outBody []byte
	if len(sanitizedBody) > 0 {
		outBody = sanitizedBody
	}

	upstreamStart := p.clk.Now()
	upResp, err := p.upstream.Do(r.Context(), binding, req.Method, req.PathAndQuery(), outBody, req.Headers)
	if err != nil {
		resp := NewErrorResponse(CodeInternal,
			"Failed to reach the upstream provider.", r, now)
		WriteError(w, resp)
		p.finish(req, audit.ActionProxied, sanitizedBody, err.Error())
		return
	}
	p.metrics.RecordUpstream(req.Provider, p.clk.Now().Sub(upstreamStart).Seconds())

	// Stage 7: cache insertion.
	if cacheable && upResp.Status == http.StatusOK {
		p.cache.Put(fingerprint, upResp.Status, upResp.Headers, upResp.Body)
	}

	// Stage 8: respond and log. Upstream HTTP errors are forwarded
	// verbatim; only transport faults were handled above.
	writeUpstream(w, upResp.Status, upResp.Headers, upResp.Body)
	p.finish(req, audit.ActionProxied, sanitizedBody, "")
}

// finish emits the request's single audit record and request event.
func (p *Pipeline) finish(req *Request, action audit.Action, payload []byte, errMsg string) {
	completed := p.clk.Now()

	record := audit.NewRecord(req.ReceivedAt, req.Provider, req.Path, action)
	record.AnonymizedPayload = truncatePayload(payload)
	record.ErrorMessage = errMsg
	record.WithResponseTime(completed.Sub(req.ReceivedAt))
	p.auditLog.Log(record)

	p.bus.Publish(events.Message{
		Type: events.TypeRequestEvent,
		Payload: events.RequestEvent{
			Provider: req.Provider,
			Action:   string(action),
			Path:     req.Path,
			At:       completed,
		},
	})

	p.metrics.RecordRequest(req.Provider, string(action), completed.Sub(req.ReceivedAt).Seconds())

	p.logger.Info("request completed",
		"provider", req.Provider,
		"path", req.Path,
		"action", string(action),
		"identity", req.Identity,
		"duration_ms", completed.Sub(req.ReceivedAt).Milliseconds(),
	)
}

// Recover maps a stage panic to the generic internal error. Installed by
// the server's recovery middleware around the whole handler chain.
func Recover(w http.ResponseWriter, r *http.Request, now time.Time, cause interface{}) {
	slog.Error("panic in request handler", "path", r.URL.Path, "cause", cause)
	WriteError(w, NewErrorResponse(CodeInternal, "Internal server error", r, now))
}

func truncatePayload(payload []byte) string {
	if len(payload) > maxPayloadAudit {
		return string(payload[:maxPayloadAudit])
	}
	return string(payload)
}

// writeUpstream forwards a buffered upstream (or cached) response with
// framing headers stripped.
func writeUpstream(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	for name, values := range cache.FilterHeaders(headers) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

// bareRequest builds a minimal Request for the audit trail when body
// capture itself failed.
func bareRequest(provider, path string, r *http.Request, now time.Time) *Request {
	return &Request{
		Provider:   provider,
		Method:     r.Method,
		Path:       path,
		Identity:   ClientIdentity(r),
		ReceivedAt: now,
	}
}

// Drain exposes the audit logger's synchronous drain for tests built on
// the pipeline.
func (p *Pipeline) Drain() { p.auditLog.Drain() }
