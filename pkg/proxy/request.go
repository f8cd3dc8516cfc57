package proxy

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/parapet-ai/parapet/pkg/jsontree"
)

// maxBodyBytes bounds how much of an inbound body the proxy will buffer.
const maxBodyBytes = 10 << 20 // 10 MiB

// guardedSuffixes are the endpoint suffixes subject to content
// screening and caching.
var guardedSuffixes = []string{"/chat/completions", "/messages"}

// Request is the captured inbound call: body read once, identity
// resolved, JSON parsed when possible.
type Request struct {
	Provider   string
	Method     string
	Path       string // upstream path, provider prefix stripped
	Query      string
	Headers    http.Header
	Body       []byte
	Tree       jsontree.Value
	TreeOK     bool
	Identity   string
	ReceivedAt time.Time
}

// Capture reads and retains the request body and resolves the client
// identity. The raw *http.Request body is consumed.
func Capture(r *http.Request, provider, upstreamPath string, now time.Time) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	req := &Request{
		Provider:   provider,
		Method:     r.Method,
		Path:       upstreamPath,
		Query:      r.URL.RawQuery,
		Headers:    r.Header.Clone(),
		Body:       body,
		Identity:   ClientIdentity(r),
		ReceivedAt: now,
	}

	if len(body) > 0 {
		if tree, err := jsontree.Decode(body); err == nil {
			req.Tree = tree
			req.TreeOK = true
		}
	}

	return req, nil
}

// PathAndQuery returns the upstream path with the query string
// reattached.
func (r *Request) PathAndQuery() string {
	if r.Query == "" {
		return r.Path
	}
	return r.Path + "?" + r.Query
}

// Guarded reports whether the endpoint is subject to sanitisation,
// policy classification, and caching.
func (r *Request) Guarded() bool {
	for _, suffix := range guardedSuffixes {
		if strings.HasSuffix(r.Path, suffix) {
			return true
		}
	}
	return false
}

// ClientIdentity resolves the rate-limit key: the first token of
// X-Forwarded-For when present, else X-Real-IP, else the peer address.
func ClientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			first = fwd[:idx]
		}
		if id := strings.TrimSpace(first); id != "" {
			return id
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TokenCost computes the per-endpoint rate-limit cost: base 1,
// chat/messages endpoints cost 5, POST doubles it.
func (r *Request) TokenCost() float64 {
	cost := 1.0
	if r.Guarded() {
		cost *= 5
	}
	if r.Method == http.MethodPost {
		cost *= 2
	}
	return cost
}
