package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parapet-ai/parapet/pkg/audit"
	"github.com/parapet-ai/parapet/pkg/cache"
	"github.com/parapet-ai/parapet/pkg/clock"
	"github.com/parapet-ai/parapet/pkg/config"
	"github.com/parapet-ai/parapet/pkg/events"
	"github.com/parapet-ai/parapet/pkg/limits/ratelimit"
	"github.com/parapet-ai/parapet/pkg/limits/storage"
	"github.com/parapet-ai/parapet/pkg/providers"
	"github.com/parapet-ai/parapet/pkg/proxy"
	"github.com/parapet-ai/parapet/pkg/screening"
	"github.com/parapet-ai/parapet/pkg/server"
	"github.com/parapet-ai/parapet/pkg/telemetry/logging"
	"github.com/parapet-ai/parapet/pkg/telemetry/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(ctx context.Context) error {
	// .env is a convenience for local runs; a missing file is fine.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envFile, err)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Telemetry.Logging)
	clk := clock.System{}

	// Audit store and async logger.
	if dir := filepath.Dir(cfg.Audit.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	store, err := audit.NewSQLiteStore(cfg.Audit.Path)
	if err != nil {
		return err
	}
	auditLog := audit.NewLogger(store, cfg.Audit.Buffer, cfg.Audit.WriteTimeout)

	// Rate limiter, optionally with persistent bucket state.
	var backend storage.Backend
	if cfg.RateLimit.StatePath != "" {
		backend, err = storage.NewSQLiteBackend(cfg.RateLimit.StatePath)
		if err != nil {
			return err
		}
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxTokens:      cfg.RateLimit.MaxTokens,
		RefillRate:     cfg.RateLimit.RefillRate,
		RefillInterval: cfg.RateLimit.RefillInterval,
		SweepAfter:     cfg.RateLimit.SweepAfter,
	}, clk, backend)

	respCache := cache.New(cfg.Cache.TTL, clk)

	// The screening LLM defaults to the openai binding when no dedicated
	// classifier endpoint is configured.
	classifierCfg := cfg.Screening.Classifier
	if classifierCfg.BaseURL == "" {
		if openai, ok := cfg.Provider("openai"); ok {
			classifierCfg.BaseURL = openai.BaseURL
			if classifierCfg.APIKey == "" {
				classifierCfg.APIKey = openai.APIKey
			}
		}
	}
	llm := screening.NewLLMClient(classifierCfg.BaseURL, classifierCfg.APIKey, classifierCfg.Model, classifierCfg.Timeout)

	registry, err := providers.NewRegistry(cfg)
	if err != nil {
		return err
	}

	upstreamTimeout := config.DefaultUpstreamTimeout
	if openai, ok := cfg.Provider("openai"); ok && openai.Timeout > 0 {
		upstreamTimeout = openai.Timeout
	}

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		m = metrics.New(cfg.Telemetry.Metrics)
	}

	bus := events.NewBus()
	collector := events.NewCollector(bus, store, respCache, limiter, clk,
		cfg.Events.SnapshotInterval, cfg.Events.ActivitySamples)

	pipeline := proxy.NewPipeline(proxy.Deps{
		Config:     cfg,
		Limiter:    limiter,
		Sanitizer:  screening.NewSanitizer(llm),
		Classifier: screening.NewClassifier(llm, cfg.Screening.StrictFinancial),
		Cache:      respCache,
		Upstream:   providers.NewClient(upstreamTimeout),
		Registry:   registry,
		AuditLog:   auditLog,
		Bus:        bus,
		Clock:      clk,
		Metrics:    m,
	})

	srv := server.New(server.Deps{
		Config:     cfg,
		Router:     proxy.NewRouter(pipeline, registry.Names()),
		Registry:   registry,
		Store:      store,
		AuditLog:   auditLog,
		Limiter:    limiter,
		Cache:      respCache,
		Bus:        bus,
		Collector:  collector,
		WS:         events.NewWSHandler(bus, collector, store),
		Metrics:    m,
		Clock:      clk,
		ConfigPath: cfgFile,
	})

	logger.Info("starting parapet",
		"version", Version,
		"port", cfg.Server.Port,
		"providers", registry.Names(),
		"sanitization_mode", cfg.Screening.Mode,
	)

	return srv.Start(ctx)
}
