package codex

import (
	"context"
	"net/http"

	codexauth "ccproxy-hq/ccproxy/pkg/auth/codex"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
	"ccproxy-hq/ccproxy/pkg/plugin"
	"ccproxy-hq/ccproxy/pkg/pool"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

// Plugin wires the codex provider into the plugin runtime.
type Plugin struct {
	manager  *codexauth.Manager
	detector *Detector
	provider *Provider
	adapter  *proxy.Adapter
}

// NewPlugin returns an unconfigured plugin; Initialize does the wiring.
func NewPlugin() *Plugin { return &Plugin{} }

// Manifest implements plugin.Plugin.
func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "codex",
		Version:     "1.0.0",
		Description: "OpenAI Codex upstream via the ChatGPT backend",
		IsProvider:  true,
		Routes: []plugin.Route{
			{Method: http.MethodPost, Path: "/v1/responses",
				Chain: []formats.Dialect{formats.OpenAIResponses}},
			{Method: http.MethodPost, Path: "/codex/responses",
				Chain: []formats.Dialect{formats.OpenAIResponses}},
		},
	}
}

// Initialize implements plugin.Plugin.
func (p *Plugin) Initialize(ctx context.Context, pc *plugin.Context) error {
	cfg := plugin.MustResolve[*config.Config](pc)
	providerCfg := cfg.Providers["codex"]

	p.manager = codexauth.NewManager(providerCfg.CredentialsPath)
	if bus, ok := plugin.Resolve[*hooks.Bus](pc); ok {
		p.manager.OnRefresh = func(err error) {
			bus.Emit(context.Background(), hooks.Event{
				Type:     hooks.EventAuthRefresh,
				Provider: "codex",
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

// Health implements plugin.Plugin.
func (p *Plugin) Health(ctx context.Context) map[string]any {
	details := map[string]any{}
	if p.provider != nil {
		details["base_url"] = p.provider.BaseURL()
	}
	if p.manager != nil {
		_, err := p.manager.Snapshot()
		details["credentials"] = err == nil
		details["token_expired"] = p.manager.IsExpired()
		details["account_id"] = p.manager.AccountID()
	}
	return details
}
