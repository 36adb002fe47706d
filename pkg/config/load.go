package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file, merges it over the compiled
// defaults, and applies CCPROXY_* environment overrides. An empty path skips
// the file stage entirely.
//
// Environment variables always take precedence over file-based configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies CCPROXY_* environment variables on top of the
// loaded configuration. Missing variables leave the config untouched.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("CCPROXY_HTTP_TIMEOUT"); val != "" {
		if d, err := parseDuration(val); err == nil {
			cfg.Pool.RequestTimeout = d
		}
	}
	if val := os.Getenv("CCPROXY_STREAM_TIMEOUT"); val != "" {
		if d, err := parseDuration(val); err == nil {
			cfg.Pool.StreamTimeout = d
		}
	}
	if val := os.Getenv("CCPROXY_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Pool.Size = n
		}
	}
	if val := os.Getenv("CCPROXY_PLUGINS_DISABLE_LOCAL_DISCOVERY"); val != "" {
		cfg.Plugins.DisableLocalDiscovery = val == "true" || val == "1"
	}
	if val := os.Getenv("CCPROXY_MODEL_CACHE_DIR"); val != "" {
		cfg.Models.CacheDir = val
	}

	for name := range cfg.Providers {
		envKey := fmt.Sprintf("CCPROXY_%s_BASE_URL", strings.ToUpper(name))
		if val := os.Getenv(envKey); val != "" {
			p := cfg.Providers[name]
			p.BaseURL = val
			cfg.Providers[name] = p
		}
	}
}

// parseDuration accepts either a Go duration string ("120s", "2m") or a bare
// number of seconds, matching how the vendor CLIs spell these values.
func parseDuration(val string) (time.Duration, error) {
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration: %q", val)
}

// Validate checks the configuration for values that would make the proxy
// unusable at runtime.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.RequestTimeout <= 0 {
		return fmt.Errorf("pool.request_timeout must be positive")
	}
	if c.Pool.StreamTimeout <= 0 {
		return fmt.Errorf("pool.stream_timeout must be positive")
	}
	if c.Models.WarnFraction <= 0 || c.Models.WarnFraction > 1 {
		return fmt.Errorf("models.warn_fraction must be in (0, 1], got %v", c.Models.WarnFraction)
	}
	for name, p := range c.Providers {
		switch p.SystemPromptMode {
		case "", "none", "minimal", "full":
		default:
			return fmt.Errorf("providers.%s.system_prompt_mode must be none, minimal or full, got %q",
				name, p.SystemPromptMode)
		}
	}
	return nil
}

// ProviderEnabled reports whether the named provider plugin should be
// registered. Unknown providers default to disabled, known ones to enabled.
func (c *Config) ProviderEnabled(name string) bool {
	p, ok := c.Providers[name]
	if !ok {
		return false
	}
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}
