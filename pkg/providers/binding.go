// Package providers owns the outbound side of the proxy: the static
// provider bindings and the HTTP client that forwards sanitised requests
// upstream with the proxy's own credentials substituted in.
package providers

import (
	"fmt"
	"strings"

	"github.com/parapet-ai/parapet/pkg/config"
)

// Auth styles, re-exported so callers don't import config for the
// constants.
const (
	AuthStyleBearer     = config.AuthStyleBearer
	AuthStyleHeaderPair = config.AuthStyleHeaderPair
)

// anthropicVersion is the fixed protocol-version header sent alongside
// x-api-key credentials.
const anthropicVersion = "2023-06-01"

// Binding is the immutable upstream identity of one provider.
type Binding struct {
	Name      string
	BaseURL   string
	APIKey    string
	AuthStyle string
}

// Registry maps provider names to bindings. Built once at startup.
type Registry struct {
	bindings map[string]*Binding
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{bindings: make(map[string]*Binding)}
	for name, pc := range cfg.Providers {
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("provider %s has no base URL", name)
		}
		r.bindings[name] = &Binding{
			Name:      name,
			BaseURL:   strings.TrimRight(pc.BaseURL, "/"),
			APIKey:    pc.APIKey,
			AuthStyle: pc.AuthStyle,
		}
	}
	return r, nil
}

// Lookup returns the binding for name, or nil when the provider is not
// registered.
func (r *Registry) Lookup(name string) *Binding {
	return r.bindings[name]
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	return names
}
