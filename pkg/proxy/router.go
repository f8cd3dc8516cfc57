package proxy

import (
	"net/http"
	"strings"
)

// Router maps /<provider>/<upstream-path> URLs onto the pipeline. The
// provider prefix must match a registered name; everything else falls
// through to a 404. All HTTP methods are accepted.
type Router struct {
	pipeline  *Pipeline
	providers map[string]struct{}
}

// NewRouter creates a router for the given provider names.
func NewRouter(pipeline *Pipeline, providerNames []string) *Router {
	known := make(map[string]struct{}, len(providerNames))
	for _, name := range providerNames {
		known[name] = struct{}{}
	}
	return &Router{pipeline: pipeline, providers: known}
}

// Split extracts the provider prefix and upstream path from a URL path.
// ok is false when the path has no provider segment.
func Split(urlPath string) (provider, upstreamPath string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	if trimmed == "" {
		return "", "", false
	}

	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider, upstreamPath, ok := Split(r.URL.Path)
	if !ok {
		rt.notFound(w, r)
		return
	}

	if _, known := rt.providers[provider]; !known {
		rt.notFound(w, r)
		return
	}

	rt.pipeline.Handle(w, r, provider, upstreamPath)
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, NewErrorResponse(CodeNotFound, "Unknown route", r, rt.pipeline.clk.Now()))
}
