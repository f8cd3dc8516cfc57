package config

import "time"

// Default values applied before validation. Every default can be
// overridden by the YAML file or by environment variables.
const (
	DefaultPort            = 3000
	DefaultPortProbes      = 10
	DefaultCacheTTL        = 300 * time.Second
	DefaultMaxTokens       = 100
	DefaultRefillRate      = 10
	DefaultRefillInterval  = 1000 * time.Millisecond
	DefaultSweepAfter      = 24 * time.Hour
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultAuditBuffer     = 1000
	DefaultSnapshotEvery   = 5 * time.Second
	DefaultActivitySamples = 20
)

// NewDefault returns a configuration with every default applied and the
// standard provider set registered (without credentials).
func NewDefault() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. Existing values
// are never overwritten.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.PortProbes == 0 {
		cfg.Server.PortProbes = DefaultPortProbes
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	ensureProvider(cfg, "openai", "https://api.openai.com", AuthStyleBearer)
	ensureProvider(cfg, "anthropic", "https://api.anthropic.com", AuthStyleHeaderPair)
	for name, p := range cfg.Providers {
		if p.Timeout == 0 {
			p.Timeout = DefaultUpstreamTimeout
		}
		if p.AuthStyle == "" {
			p.AuthStyle = defaultAuthStyle(name)
		}
		cfg.Providers[name] = p
	}

	// Feature flags default to enabled. YAML cannot distinguish an
	// explicit false from an absent key for plain bools, so the loader
	// parses flags through a presence-aware shim; here we only handle the
	// fully-zero case.
	if !cfg.featuresTouched {
		cfg.Features = FeatureFlags{
			DataSanitization:  true,
			TimeBasedBlocking: true,
			Caching:           true,
			PolicyEnforcement: true,
			RateLimiting:      true,
		}
	}

	if cfg.RateLimit.MaxTokens == 0 {
		cfg.RateLimit.MaxTokens = DefaultMaxTokens
	}
	if cfg.RateLimit.RefillRate == 0 {
		cfg.RateLimit.RefillRate = DefaultRefillRate
	}
	if cfg.RateLimit.RefillInterval == 0 {
		cfg.RateLimit.RefillInterval = DefaultRefillInterval
	}
	if cfg.RateLimit.SweepAfter == 0 {
		cfg.RateLimit.SweepAfter = DefaultSweepAfter
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}

	if cfg.Screening.Mode == "" {
		cfg.Screening.Mode = "reject"
	}
	if cfg.Screening.Classifier.Model == "" {
		cfg.Screening.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Screening.Classifier.Timeout == 0 {
		cfg.Screening.Classifier.Timeout = DefaultUpstreamTimeout
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "data/audit.db"
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = DefaultAuditBuffer
	}
	if cfg.Audit.WriteTimeout == 0 {
		cfg.Audit.WriteTimeout = 5 * time.Second
	}

	if cfg.Events.SnapshotInterval == 0 {
		cfg.Events.SnapshotInterval = DefaultSnapshotEvery
	}
	if cfg.Events.ActivitySamples == 0 {
		cfg.Events.ActivitySamples = DefaultActivitySamples
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "text"
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = "/metrics"
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = "parapet"
	}
}

func ensureProvider(cfg *Config, name, baseURL, authStyle string) {
	p, ok := cfg.Providers[name]
	if !ok {
		cfg.Providers[name] = ProviderConfig{
			BaseURL:   baseURL,
			AuthStyle: authStyle,
			Timeout:   DefaultUpstreamTimeout,
		}
		return
	}
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	cfg.Providers[name] = p
}

func defaultAuthStyle(name string) string {
	if name == "anthropic" {
		return AuthStyleHeaderPair
	}
	return AuthStyleBearer
}

// Auth style names for ProviderConfig.AuthStyle.
const (
	// AuthStyleBearer injects "Authorization: Bearer <key>".
	AuthStyleBearer = "bearer"

	// AuthStyleHeaderPair injects "x-api-key: <key>" plus the fixed
	// protocol-version header.
	AuthStyleHeaderPair = "header_pair"
)
