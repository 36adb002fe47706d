package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default base URLs per provider. Overridable via config file or
// CCPROXY_<PROVIDER>_BASE_URL.
const (
	DefaultClaudeBaseURL  = "https://api.anthropic.com"
	DefaultCodexBaseURL   = "https://chatgpt.com/backend-api/codex"
	DefaultCopilotBaseURL = "https://api.githubcopilot.com"
)

// DefaultConfig returns a configuration populated with compiled defaults.
// Loading a file or applying environment overrides mutates a copy of this.
func DefaultConfig() *Config {
	enabled := true

	return &Config{
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1:8787",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		Pool: PoolConfig{
			Size:            10,
			RequestTimeout:  120 * time.Second,
			StreamTimeout:   300 * time.Second,
			KeepAliveExpiry: 30 * time.Second,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Enabled:          &enabled,
				BaseURL:          DefaultClaudeBaseURL,
				SystemPromptMode: "minimal",
			},
			"codex": {
				Enabled: &enabled,
				BaseURL: DefaultCodexBaseURL,
			},
			"copilot": {
				Enabled: &enabled,
				BaseURL: DefaultCopilotBaseURL,
				ExtraHeaders: map[string]string{
					"Editor-Version":         "vscode/1.96.0",
					"Editor-Plugin-Version":  "copilot-chat/0.23.1",
					"Copilot-Integration-Id": "vscode-chat",
				},
			},
		},
		Models: ModelsConfig{
			RefreshInterval: 6 * time.Hour,
			CacheDir:        DefaultCacheDir(),
			WarnFraction:    0.9,
		},
		Plugins: PluginsConfig{
			HealthTimeout: 10 * time.Second,
		},
		Access: AccessConfig{
			Path:      filepath.Join(DefaultCacheDir(), "access.db"),
			Retention: 720 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			MetricsEnabled: true,
		},
	}
}

// DefaultCacheDir returns the XDG cache directory for ccproxy state
// (model cards, CLI fingerprints, access log).
func DefaultCacheDir() string {
	if dir := os.Getenv("CCPROXY_MODEL_CACHE_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ccproxy")
	}
	return filepath.Join(os.TempDir(), "ccproxy")
}

// DefaultConfigDir returns the user config directory where per-provider
// credential files live.
func DefaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ccproxy")
	}
	return filepath.Join(os.TempDir(), "ccproxy")
}
