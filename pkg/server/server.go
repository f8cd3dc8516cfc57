// Package server assembles the HTTP surface of the proxy: the provider
// routes, the management endpoints, the event channel, and the
// background jobs (snapshot ticker, resource sweeps, config watch).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/cache"
	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/config"
	"github.com/parapet-ai/parapet/pkg/events"
	"github.com/parapet-ai/parapet/pkg/limits/ratelimit"
	"github.com/parapet-ai/parapet/pkg/providers"
	"github.com/parapet-ai/parapet/pkg/proxy"
	"github.com/parapet-ai/parapet/pkg/telemetry/metrics"
)

// sweepSchedule runs the rate-limit and cache sweeps hourly, off the
// request path.
const sweepSchedule = "0 * * * *"

// Deps bundles everything the server exposes or supervises.
type Deps struct {
	Config    *config.Config
	Router    *proxy.Router
	Registry  *providers.Registry
	Store     audit.Store
	AuditLog  *audit.Logger
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Bus       *events.Bus
	Collector *events.Collector
	WS        *events.WSHandler
	Metrics   *metrics.Metrics
	Clock     clock.Clock

	// ConfigPath, when non-empty, enables the feature-flag file watcher.
	ConfigPath string
}

// Server is the HTTP listener plus its background jobs.
type Server struct {
	deps       Deps
	httpServer *http.Server
	cron       *cron.Cron
	logger     *slog.Logger

	mu        sync.Mutex
	boundAddr string
}

// New creates a server from its dependencies.
func New(deps Deps) *Server {
	return &Server{
		deps:   deps,
		cron:   cron.New(),
		logger: slog.Default().With("component", "server"),
	}
}

// Start binds the listener, launches the background jobs, and blocks
// until ctx is cancelled or a termination signal arrives.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.deps.Config.Server.ReadTimeout,
		WriteTimeout: s.deps.Config.Server.WriteTimeout,
		IdleTimeout:  s.deps.Config.Server.IdleTimeout,
	}

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	s.startBackground(jobCtx)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("proxy listening",
			"address", listener.Addr().String(),
			"providers", s.deps.Registry.Names(),
		)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received signal, shutting down", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// listen binds the configured port, probing successive ports when the
// address is already in use.
func (s *Server) listen() (net.Listener, error) {
	port := s.deps.Config.Server.Port
	probes := s.deps.Config.Server.PortProbes

	for attempt := 0; attempt < probes; attempt++ {
		addr := fmt.Sprintf(":%d", port+attempt)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			if attempt > 0 {
				s.logger.Warn("configured port busy, bound alternative",
					"configured", port, "bound", port+attempt)
			}
			s.mu.Lock()
			s.boundAddr = listener.Addr().String()
			s.mu.Unlock()
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
		}
	}
	return nil, fmt.Errorf("no free port in %d..%d", port, port+probes-1)
}

// BoundAddr returns the address the listener actually bound, for tests
// and logs.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Handler builds the full handler chain: management endpoints, event
// channel, metrics, and the provider router as catch-all.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /logs/{action}", s.handleLogs)
	mux.HandleFunc("GET /dashboard/metrics", s.handleDashboardMetrics)
	mux.HandleFunc("GET /dashboard/analytics", s.handleDashboardAnalytics)
	mux.HandleFunc("GET /dashboard/rate-limits", s.handleRateLimits)
	mux.HandleFunc("GET /dashboard/rate-limits/{id}", s.handleRateLimitStatus)
	mux.HandleFunc("DELETE /dashboard/rate-limits/{id}", s.handleRateLimitReset)
	mux.Handle("/ws", s.deps.WS)

	if s.deps.Config.Telemetry.Metrics.Enabled {
		mux.Handle("GET "+s.deps.Config.Telemetry.Metrics.Path, s.deps.Metrics.Handler())
	}

	// Everything else is a provider route (or a 404 from the router).
	mux.Handle("/", s.deps.Router)

	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(handler)
	return handler
}

// startBackground launches the snapshot ticker, the hourly sweeps, and
// the config watcher.
func (s *Server) startBackground(ctx context.Context) {
	go s.deps.Collector.Run(ctx)

	if _, err := s.cron.AddFunc(sweepSchedule, func() {
		swept := s.deps.Limiter.Sweep()
		evicted := s.deps.Cache.Evict()
		s.logger.Info("resource sweep completed", "buckets_swept", swept, "cache_evicted", evicted)
	}); err != nil {
		s.logger.Error("failed to schedule resource sweep", "error", err)
	}
	s.cron.Start()

	if s.deps.ConfigPath != "" {
		watcher, err := config.NewWatcher(s.deps.Config, s.deps.ConfigPath)
		if err != nil {
			s.logger.Warn("config watcher unavailable", "error", err)
			return
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				s.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}
}

// Shutdown stops the listener, the background jobs, and flushes the
// audit logger.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.deps.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	// Flush buffered audit records and close stores.
	if err := s.deps.AuditLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.deps.Limiter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("proxy stopped")
	return firstErr
}
