// Package screening inspects request content before it leaves the
// proxy: the sanitiser detects sensitive identifiers (emails, IPv4
// addresses, IBANs) and the policy classifier flags financial content.
// Both delegate the fuzzy part to an external LLM and degrade safely
// when that call fails.
package screening

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Completer produces a single chat completion. The production
// implementation is LLMClient; tests substitute a stub.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMClient calls an OpenAI-compatible chat-completions endpoint at
// temperature 0. It is used for sensitive-data detection and policy
// classification, never for proxied traffic.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewLLMClient creates a client for the classification endpoint.
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default().With("component", "screening.llm"),
	}
}

// Complete sends one system+user exchange and returns the assistant
// text. Any transport, status, or shape problem is returned as an error;
// callers decide how to degrade.
func (c *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	payload := []byte(`{"temperature":0,"max_tokens":256}`)
	payload, _ = sjson.SetBytes(payload, "model", c.model)
	payload, _ = sjson.SetBytes(payload, "messages.0.role", "system")
	payload, _ = sjson.SetBytes(payload, "messages.0.content", system)
	payload, _ = sjson.SetBytes(payload, "messages.1.role", "user")
	payload, _ = sjson.SetBytes(payload, "messages.1.content", user)

	url := c.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read classifier response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("classifier response missing choices.0.message.content")
	}

	return content.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
