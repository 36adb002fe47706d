package config

import "time"

// Config is the root configuration structure for ccproxy.
// It contains all configuration sections for the ingress server, the upstream
// providers, the connection pool, the model registry, and telemetry.
type Config struct {
	// Server contains HTTP ingress server configuration including listen
	// address, timeouts, and connection limits.
	Server ServerConfig `yaml:"server"`

	// Pool contains configuration for the shared upstream HTTP client pool.
	Pool PoolConfig `yaml:"pool"`

	// Providers contains per-provider configuration.
	// Keys are provider names ("claude", "codex", "copilot").
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Models contains model registry configuration (refresh interval,
	// cache directory, upstream card URL).
	Models ModelsConfig `yaml:"models"`

	// Plugins contains plugin runtime configuration.
	Plugins PluginsConfig `yaml:"plugins"`

	// Access contains access-log storage configuration.
	Access AccessConfig `yaml:"access"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the ingress HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port for the server to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8787").
	// Default: "127.0.0.1:8787"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Must exceed the streaming timeout or long SSE responses are
	// cut off by the server itself.
	// Default: 0 (unbounded; streaming bodies have no natural bound)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing request headers.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

// PoolConfig contains configuration for the upstream HTTP client pool.
type PoolConfig struct {
	// Size is the number of keep-alive connections kept per pooled client.
	// The hard connection cap per client is twice this value.
	// Default: 10
	Size int `yaml:"size"`

	// RequestTimeout is the default timeout for non-streaming upstream calls.
	// Default: 120s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StreamTimeout is the timeout for streaming upstream calls. It bounds
	// the response-header phase only; the body is unbounded.
	// Default: 300s
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// KeepAliveExpiry is how long an idle connection remains pooled.
	// Default: 30s
	KeepAliveExpiry time.Duration `yaml:"keepalive_expiry"`
}

// ProviderConfig contains configuration for a single upstream provider.
type ProviderConfig struct {
	// Enabled controls whether the provider plugin is registered.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// CredentialsPath overrides the default on-disk credential file location.
	CredentialsPath string `yaml:"credentials_path"`

	// SystemPromptMode selects how captured CLI system prompts are injected
	// into outgoing requests. One of "none", "minimal", "full".
	// Only meaningful for the claude provider.
	// Default: "minimal"
	SystemPromptMode string `yaml:"system_prompt_mode"`

	// ExtraHeaders are added verbatim to every outgoing request.
	// Used by the copilot provider for editor/plugin version strings.
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// ModelsConfig contains model registry configuration.
type ModelsConfig struct {
	// CardURL is the upstream URL model cards are refreshed from.
	CardURL string `yaml:"card_url"`

	// RefreshInterval is how often cards are refreshed in the background.
	// Default: 6h
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// CacheDir is where fetched cards are cached on disk.
	// Default: $XDG_CACHE_HOME/ccproxy
	CacheDir string `yaml:"cache_dir"`

	// WarnFraction is the fraction of the input window above which the
	// validation middleware attaches an X-Model-Warning header.
	// Default: 0.9
	WarnFraction float64 `yaml:"warn_fraction"`
}

// PluginsConfig contains plugin runtime configuration.
type PluginsConfig struct {
	// DisableLocalDiscovery disables scanning for on-disk plugin packages.
	// Built-in provider plugins are unaffected.
	// Default: false
	DisableLocalDiscovery bool `yaml:"disable_local_discovery"`

	// HealthTimeout bounds a single plugin health check.
	// Default: 10s
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// AccessConfig contains access-log storage configuration.
type AccessConfig struct {
	// Enabled controls whether requests are recorded to the access log.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the sqlite database file location.
	// Default: $XDG_CACHE_HOME/ccproxy/access.db
	Path string `yaml:"path"`

	// Retention is how long records are kept before the nightly sweep
	// removes them.
	// Default: 720h (30 days)
	Retention time.Duration `yaml:"retention"`
}

// TelemetryConfig contains logging and metrics configuration.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level (debug, info, warn, error).
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the log output format ("json" or "text").
	// Default: "text"
	LogFormat string `yaml:"log_format"`

	// MetricsEnabled controls whether the /metrics endpoint is served and
	// the Prometheus hook observer is registered.
	// Default: true
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// StreamInterruptTimeout bounds how long a stream handle waits for the
// upstream session to acknowledge an interrupt after the last listener
// detaches.
const StreamInterruptTimeout = 10 * time.Second

// FingerprintCaptureTimeout bounds the one-shot vendor CLI subprocess used
// to capture headers and system prompts at startup.
const FingerprintCaptureTimeout = 30 * time.Second
