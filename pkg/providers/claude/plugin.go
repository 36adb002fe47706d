package claude

import (
	"context"
	"net/http"

	claudeauth "ccproxy-hq/ccproxy/pkg/auth/claude"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
	"ccproxy-hq/ccproxy/pkg/plugin"
	"ccproxy-hq/ccproxy/pkg/pool"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

// Plugin wires the claude provider into the plugin runtime. It owns the
// auth manager, the fingerprint detector, and the HTTP adapter.
type Plugin struct {
	manager  *claudeauth.Manager
	detector *Detector
	provider *Provider
	adapter  *proxy.Adapter
}

// NewPlugin returns an unconfigured plugin; Initialize does the wiring.
func NewPlugin() *Plugin { return &Plugin{} }

// Manifest implements plugin.Plugin.
func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "claude",
		Version:     "1.0.0",
		Description: "Anthropic Claude REST upstream with OAuth and CLI fingerprinting",
		IsProvider:  true,
		Routes: []plugin.Route{
			{Method: http.MethodPost, Path: "/v1/messages",
				Chain: []formats.Dialect{formats.AnthropicMessages}},
			{Method: http.MethodPost, Path: "/v1/chat/completions",
				Chain: []formats.Dialect{formats.OpenAIChatCompletions, formats.AnthropicMessages}},
		},
	}
}

// Initialize implements plugin.Plugin.
func (p *Plugin) Initialize(ctx context.Context, pc *plugin.Context) error {
	cfg := plugin.MustResolve[*config.Config](pc)
	providerCfg := cfg.Providers["claude"]

	p.manager = claudeauth.NewManager(providerCfg.CredentialsPath)
	if bus, ok := plugin.Resolve[*hooks.Bus](pc); ok {
		p.manager.OnRefresh = func(err error) {
			bus.Emit(context.Background(), hooks.Event{
				Type:     hooks.EventAuthRefresh,
				Provider: "claude",
				Err:      err,
			})
		}
	}
	p.detector = NewDetector(cfg.Models.CacheDir)
	p.provider = NewProvider(providerCfg, p.manager, p.detector)

	p.adapter = proxy.NewAdapter(
		p.provider,
		plugin.MustResolve[*pool.Pool](pc),
		plugin.MustResolve[*formats.Registry](pc),
		plugin.MustResolve[*streaming.Handler](pc),
	)
	return nil
}

// Adapter implements plugin.ProviderPlugin.
func (p *Plugin) Adapter() *proxy.Adapter { return p.adapter }

// Shutdown implements plugin.Plugin.
func (p *Plugin) Shutdown(context.Context) error {
	if p.manager != nil {
		return p.manager.Close()
	}
	return nil
}

// Health implements plugin.Plugin: auth state plus the fingerprint outcome.
func (p *Plugin) Health(ctx context.Context) map[string]any {
	details := map[string]any{}
	if p.provider != nil {
		details["base_url"] = p.provider.BaseURL()
		details["system_prompt_mode"] = p.provider.mode
	}
	if p.manager != nil {
		_, err := p.manager.Snapshot()
		details["credentials"] = err == nil
		details["token_expired"] = p.manager.IsExpired()
	}
	if p.detector != nil {
		if fp, err := p.detector.Fingerprint(ctx); err == nil {
			details["cli_version"] = fp.Version
		} else {
			details["cli_version"] = ""
		}
	}
	return details
}
