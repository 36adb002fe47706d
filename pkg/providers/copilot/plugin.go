package copilot

import (
	"context"
	"net/http"

	copilotauth "ccproxy-hq/ccproxy/pkg/auth/copilot"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
	"ccproxy-hq/ccproxy/pkg/plugin"
	"ccproxy-hq/ccproxy/pkg/pool"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

// Plugin wires the copilot provider into the plugin runtime.
type Plugin struct {
	manager  *copilotauth.Manager
	provider *Provider
	adapter  *proxy.Adapter
}

// NewPlugin returns an unconfigured plugin; Initialize does the wiring.
func NewPlugin() *Plugin { return &Plugin{} }

// Manifest implements plugin.Plugin.
func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "copilot",
		Version:     "1.0.0",
		Description: "GitHub Copilot upstream with two-stage token auth",
		IsProvider:  true,
		Routes: []plugin.Route{
			{Method: http.MethodPost, Path: "/copilot/chat/completions",
				Chain: []formats.Dialect{formats.OpenAIChatCompletions}},
		},
	}
}

// Initialize implements plugin.Plugin.
func (p *Plugin) Initialize(ctx context.Context, pc *plugin.Context) error {
	cfg := plugin.MustResolve[*config.Config](pc)
	providerCfg := cfg.Providers["copilot"]

	p.manager = copilotauth.NewManager(providerCfg.CredentialsPath)
	if bus, ok := plugin.Resolve[*hooks.Bus](pc); ok {
		p.manager.OnRefresh = func(err error) {
			bus.Emit(context.Background(), hooks.Event{
				Type:     hooks.EventAuthRefresh,
				Provider: "copilot",
				Err:      err,
			})
		}
	}
	p.provider = NewProvider(providerCfg, p.manager)

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
		snapshot, err := p.manager.Snapshot()
		details["credentials"] = err == nil
		if err == nil {
			details["account_type"] = snapshot.Extras["account_type"]
		}
	}
	return details
}
