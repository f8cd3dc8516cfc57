// Package metrics exposes Prometheus collectors for the request
// pipeline, the response cache, and the rate limiter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parapet-ai/parapet/pkg/config"
)

// Metrics owns the registry and the proxy's collectors. A nil *Metrics
// is valid and records nothing, so metrics can be disabled without
// call-site guards.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	rateLimited     prometheus.Counter
}

// New creates and registers the collectors.
func New(cfg config.MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Requests by provider and terminal action",
		}, []string{"provider", "action"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_hits_total",
			Help:      "Response cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_misses_total",
			Help:      "Response cache misses",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamLatency,
		m.cacheHits,
		m.cacheMisses,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one finished request.
func (m *Metrics) RecordRequest(provider, action string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(provider, action).Inc()
	m.requestDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordUpstream observes one upstream round trip.
func (m *Metrics) RecordUpstream(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordCacheHit counts a cache hit.
func (m *Metrics) RecordCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// RecordCacheMiss counts a cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// RecordRateLimited counts a rate-limit rejection.
func (m *Metrics) RecordRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
