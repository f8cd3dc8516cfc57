// Package config provides typed, validated access to startup options.
//
// Configuration is assembled in three layers: a YAML file (optional),
// built-in defaults, and flat environment variables (PORT, ENABLE_CACHING,
// OPENAI_API_KEY, ...). Environment variables always win. After startup the
// configuration is read-only, with one exception: the feature-flag set can
// be swapped atomically by the file watcher.
package config

import (
	"sync/atomic"
	"time"
)

// Config is the root configuration for the proxy.
type Config struct {
	// Server configures the inbound HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Providers maps provider names (openai, anthropic, ...) to their
	// upstream bindings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Features holds the security-stage feature flags.
	Features FeatureFlags `yaml:"features"`

	// RateLimit configures the token-bucket rate limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache"`

	// Screening configures the sanitiser and policy classifier.
	Screening ScreeningConfig `yaml:"screening"`

	// Audit configures the audit log store.
	Audit AuditConfig `yaml:"audit"`

	// Events configures the real-time observability channel.
	Events EventsConfig `yaml:"events"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// flags is the live feature-flag set. It starts as a copy of Features
	// and is swapped by the watcher on file change.
	flags atomic.Pointer[FeatureFlags]

	// featuresTouched records that Features was set explicitly (by file
	// or environment), so ApplyDefaults must not reset it to all-true.
	featuresTouched bool
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port is the bind port. When the port is taken the listener probes
	// successive ports before giving up.
	Port int `yaml:"port"`

	// PortProbes is how many successive ports to try on EADDRINUSE.
	PortProbes int `yaml:"port_probes"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig is the static binding for one upstream provider.
type ProviderConfig struct {
	// BaseURL is the upstream API base, e.g. https://api.openai.com.
	BaseURL string `yaml:"base_url"`

	// APIKey is the credential substituted into outbound requests.
	APIKey string `yaml:"api_key"`

	// AuthStyle selects how the credential is injected: "bearer" or
	// "header_pair". Defaults per provider name.
	AuthStyle string `yaml:"auth_style"`

	// Timeout is the per-request upstream deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// FeatureFlags enables or disables individual pipeline stages.
// All flags default to true.
type FeatureFlags struct {
	DataSanitization  bool `yaml:"data_sanitization"`
	TimeBasedBlocking bool `yaml:"time_based_blocking"`
	Caching           bool `yaml:"caching"`
	PolicyEnforcement bool `yaml:"policy_enforcement"`
	RateLimiting      bool `yaml:"rate_limiting"`
}

// RateLimitConfig configures the per-identity token buckets.
type RateLimitConfig struct {
	// MaxTokens is the bucket capacity.
	MaxTokens float64 `yaml:"max_tokens"`

	// RefillRate is tokens added per refill interval.
	RefillRate float64 `yaml:"refill_rate"`

	// RefillInterval is the refill granularity.
	RefillInterval time.Duration `yaml:"refill_interval"`

	// SweepAfter is how long an untouched bucket survives before the
	// hourly sweep removes it.
	SweepAfter time.Duration `yaml:"sweep_after"`

	// StatePath, when set, persists bucket state to a SQLite file so
	// limits survive restarts. Empty means memory only.
	StatePath string `yaml:"state_path"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// TTL is how long a cached upstream response stays servable.
	TTL time.Duration `yaml:"ttl"`
}

// ScreeningConfig configures the sanitiser and the policy classifier.
type ScreeningConfig struct {
	// Mode selects the sanitiser strategy: "reject" (default) blocks
	// requests containing sensitive data, "redact" rewrites them with
	// placeholders and forwards.
	Mode string `yaml:"mode"`

	// StrictFinancial enables the borderline second classification pass.
	StrictFinancial bool `yaml:"strict_financial"`

	// Classifier is the LLM endpoint used for detection and
	// classification calls. When BaseURL is empty the openai provider
	// binding is reused.
	Classifier ClassifierConfig `yaml:"classifier"`
}

// ClassifierConfig is the binding for the screening LLM.
type ClassifierConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig configures audit log persistence.
type AuditConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Buffer is the async logger channel capacity.
	Buffer int `yaml:"buffer"`

	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EventsConfig configures the observability event channel.
type EventsConfig struct {
	// SnapshotInterval is the monitoring-update cadence.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// ActivitySamples is the length of the recent-activity ring.
	ActivitySamples int `yaml:"activity_samples"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Flags returns the live feature-flag set.
func (c *Config) Flags() FeatureFlags {
	if p := c.flags.Load(); p != nil {
		return *p
	}
	return c.Features
}

// SetFlags swaps the live feature-flag set. Used by the config watcher;
// safe to call concurrently with Flags.
func (c *Config) SetFlags(f FeatureFlags) {
	c.flags.Store(&f)
}

// Provider returns the binding for name and whether it is registered.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns the registered provider names.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}
