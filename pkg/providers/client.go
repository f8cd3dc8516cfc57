package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// forwardedHeaders is the whitelist of inbound headers copied to the
// upstream request. Everything else — notably the caller's own
// credentials and any framing headers — is dropped.
var forwardedHeaders = []string{
	"Content-Type",
	"User-Agent",
	"Accept",
	"Cache-Control",
	"Pragma",
}

// Response is a fully buffered upstream response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// TransportError wraps connection, DNS, timeout, and other non-HTTP
// failures. Upstream 4xx/5xx statuses are NOT transport errors; they are
// forwarded to the caller unchanged.
type TransportError struct {
	Provider string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s transport error: %v", e.Provider, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Client issues outbound requests to provider APIs. One client is shared
// by all requests; the underlying transport pools connections per host.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates the upstream client with the given per-request
// deadline.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		timeout: timeout,
		logger:  slog.Default().With("component", "upstream"),
	}
}

// Do forwards a request to binding's upstream.
//
// pathAndQuery is the upstream path with any query string preserved.
// body is the sanitised request body; nil for GET/HEAD. inbound headers
// are copied through the whitelist, credentials are injected per the
// binding's auth style, and identity encoding is forced so the buffered
// body can be replayed from cache without framing conflicts.
func (c *Client) Do(ctx context.Context, binding *Binding, method, pathAndQuery string, body []byte, inbound http.Header) (*Response, error) {
	url := binding.BaseURL + pathAndQuery

	var bodyReader io.Reader
	if body != nil && method != http.MethodGet && method != http.MethodHead {
		bodyReader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &TransportError{Provider: binding.Name, Cause: err}
	}

	for _, name := range forwardedHeaders {
		if v := inbound.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", "identity")

	switch binding.AuthStyle {
	case AuthStyleHeaderPair:
		req.Header.Set("x-api-key", binding.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	default:
		req.Header.Set("Authorization", "Bearer "+binding.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("upstream request failed",
			"provider", binding.Name,
			"method", method,
			"path", pathAndQuery,
			"error", err,
		)
		return nil, &TransportError{Provider: binding.Name, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: binding.Name, Cause: fmt.Errorf("reading response body: %w", err)}
	}

	c.logger.Debug("upstream request completed",
		"provider", binding.Name,
		"method", method,
		"path", pathAndQuery,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
		"response_bytes", len(respBody),
	)

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    respBody,
	}, nil
}
