package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML parsing, with pointer feature flags
// so that an absent key can be told apart from an explicit false.
type fileConfig struct {
	Server    ServerConfig              `yaml:"server"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Features  struct {
		DataSanitization  *bool `yaml:"data_sanitization"`
		TimeBasedBlocking *bool `yaml:"time_based_blocking"`
		Caching           *bool `yaml:"caching"`
		PolicyEnforcement *bool `yaml:"policy_enforcement"`
		RateLimiting      *bool `yaml:"rate_limiting"`
	} `yaml:"features"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Screening ScreeningConfig `yaml:"screening"`
	Audit     AuditConfig     `yaml:"audit"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load builds the configuration from an optional YAML file and the
// process environment, applies defaults, and validates the result.
//
// The sequence is:
//  1. Parse the YAML file when path is non-empty.
//  2. Apply environment variable overrides.
//  3. Apply defaults to whatever is still unset.
//  4. Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.SetFlags(cfg.Features)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	cfg.Server = fc.Server
	cfg.Providers = fc.Providers
	cfg.RateLimit = fc.RateLimit
	cfg.Cache = fc.Cache
	cfg.Screening = fc.Screening
	cfg.Audit = fc.Audit
	cfg.Events = fc.Events
	cfg.Telemetry = fc.Telemetry

	flags := FeatureFlags{
		DataSanitization:  true,
		TimeBasedBlocking: true,
		Caching:           true,
		PolicyEnforcement: true,
		RateLimiting:      true,
	}
	touched := false
	for _, f := range []struct {
		src *bool
		dst *bool
	}{
		{fc.Features.DataSanitization, &flags.DataSanitization},
		{fc.Features.TimeBasedBlocking, &flags.TimeBasedBlocking},
		{fc.Features.Caching, &flags.Caching},
		{fc.Features.PolicyEnforcement, &flags.PolicyEnforcement},
		{fc.Features.RateLimiting, &flags.RateLimiting},
	} {
		if f.src != nil {
			*f.dst = *f.src
			touched = true
		}
	}
	if touched {
		cfg.Features = flags
		cfg.featuresTouched = true
	}

	return nil
}

// ApplyEnvOverrides applies the flat environment variables documented in
// the deployment guide. Variables always take precedence over the file.
func ApplyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PORT"); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = p
		}
	}

	applyEnvFlags(cfg)

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"openai", "anthropic"} {
		applyProviderEnv(cfg, name)
	}

	if val := os.Getenv("FINANCIAL_DETECTION_STRICT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Screening.StrictFinancial = b
		}
	}
	if val := os.Getenv("SANITIZATION_MODE"); val != "" {
		cfg.Screening.Mode = val
	}
	if val := os.Getenv("CLASSIFIER_API_URL"); val != "" {
		cfg.Screening.Classifier.BaseURL = val
	}
	if val := os.Getenv("CLASSIFIER_API_KEY"); val != "" {
		cfg.Screening.Classifier.APIKey = val
	}
	if val := os.Getenv("CLASSIFIER_MODEL"); val != "" {
		cfg.Screening.Classifier.Model = val
	}

	if val := os.Getenv("CACHE_TTL"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			cfg.Cache.TTL = time.Duration(secs) * time.Second
		}
	}

	if val := os.Getenv("RATE_LIMIT_MAX_TOKENS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RateLimit.MaxTokens = f
		}
	}
	if val := os.Getenv("RATE_LIMIT_REFILL_RATE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RateLimit.RefillRate = f
		}
	}
	if val := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			cfg.RateLimit.RefillInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if val := os.Getenv("RATE_LIMIT_STATE_PATH"); val != "" {
		cfg.RateLimit.StatePath = val
	}

	if val := os.Getenv("AUDIT_DB_PATH"); val != "" {
		cfg.Audit.Path = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
}

func applyEnvFlags(cfg *Config) {
	flags := cfg.Features
	if !cfg.featuresTouched {
		flags = FeatureFlags{
			DataSanitization:  true,
			TimeBasedBlocking: true,
			Caching:           true,
			PolicyEnforcement: true,
			RateLimiting:      true,
		}
	}

	touched := false
	for _, f := range []struct {
		env string
		dst *bool
	}{
		{"ENABLE_DATA_SANITIZATION", &flags.DataSanitization},
		{"ENABLE_TIME_BASED_BLOCKING", &flags.TimeBasedBlocking},
		{"ENABLE_CACHING", &flags.Caching},
		{"ENABLE_POLICY_ENFORCEMENT", &flags.PolicyEnforcement},
		{"ENABLE_RATE_LIMITING", &flags.RateLimiting},
	} {
		if val := os.Getenv(f.env); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*f.dst = b
				touched = true
			}
		}
	}

	if touched {
		cfg.Features = flags
		cfg.featuresTouched = true
	}
}

// applyProviderEnv applies <PROVIDER>_API_URL and <PROVIDER>_API_KEY.
func applyProviderEnv(cfg *Config, name string) {
	prefix := strings.ToUpper(name)

	provider, exists := cfg.Providers[name]
	modified := false

	if val := os.Getenv(prefix + "_API_URL"); val != "" {
		provider.BaseURL = val
		modified = true
	}
	if val := os.Getenv(prefix + "_API_KEY"); val != "" {
		provider.APIKey = val
		modified = true
	}
	if val := os.Getenv(prefix + "_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			provider.Timeout = d
			modified = true
		}
	}

	if modified || exists {
		cfg.Providers[name] = provider
	}
}
