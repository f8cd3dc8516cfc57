package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for values that would make the proxy
// misbehave at runtime. It is called after defaults and overrides, so
// every field is expected to be populated.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be in 1..65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.PortProbes < 1 {
		errs = append(errs, "server.port_probes must be at least 1")
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, "at least one provider binding is required")
	}
	for name, p := range cfg.Providers {
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.base_url is required", name))
			continue
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("providers.%s.base_url %q is not a valid http(s) URL", name, p.BaseURL))
		}
		switch p.AuthStyle {
		case AuthStyleBearer, AuthStyleHeaderPair:
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.auth_style must be %q or %q, got %q",
				name, AuthStyleBearer, AuthStyleHeaderPair, p.AuthStyle))
		}
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be positive", name))
		}
	}

	if cfg.RateLimit.MaxTokens <= 0 {
		errs = append(errs, "rate_limit.max_tokens must be positive")
	}
	if cfg.RateLimit.RefillRate <= 0 {
		errs = append(errs, "rate_limit.refill_rate must be positive")
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		errs = append(errs, "rate_limit.refill_interval must be positive")
	}

	if cfg.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be positive")
	}

	switch cfg.Screening.Mode {
	case "reject", "redact":
	default:
		errs = append(errs, fmt.Sprintf("screening.mode must be \"reject\" or \"redact\", got %q", cfg.Screening.Mode))
	}

	if cfg.Audit.Path == "" {
		errs = append(errs, "audit.path is required")
	}
	if cfg.Audit.Buffer < 1 {
		errs = append(errs, "audit.buffer must be at least 1")
	}

	if cfg.Events.SnapshotInterval <= 0 {
		errs = append(errs, "events.snapshot_interval must be positive")
	}
	if cfg.Events.ActivitySamples < 1 {
		errs = append(errs, "events.activity_samples must be at least 1")
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.logging.level %q is not one of debug, info, warn, error", cfg.Telemetry.Logging.Level))
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.logging.format %q is not one of json, text", cfg.Telemetry.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
