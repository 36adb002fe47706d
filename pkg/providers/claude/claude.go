package claude

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	claudeauth "ccproxy-hq/ccproxy/pkg/auth/claude"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	anthropicVersion = "2023-06-01"
)

// System prompt injection modes.
const (
	// ModeNone injects nothing.
	ModeNone = "none"
	// ModeMinimal injects only the first captured block.
	ModeMinimal = "minimal"
	// ModeFull injects every captured block.
	ModeFull = "full"
)

// Provider forwards Anthropic Messages payloads to the Claude REST API with
// OAuth bearer auth, fingerprint header overlay, and payload shaping.
type Provider struct {
	manager  *claudeauth.Manager
	detector *Detector
	baseURL  string
	mode     string
}

// NewProvider wires the provider from its config section. detector may be
// nil to disable fingerprinting entirely.
func NewProvider(cfg config.ProviderConfig, manager *claudeauth.Manager, detector *Detector) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	mode := cfg.SystemPromptMode
	if mode == "" {
		mode = ModeMinimal
	}
	return &Provider{
		manager:  manager,
		detector: detector,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		mode:     mode,
	}
}

// Name implements proxy.Provider.
func (p *Provider) Name() string { return "claude" }

// BaseURL implements proxy.Provider.
func (p *Provider) BaseURL() string { return p.baseURL }

// TargetURL implements proxy.Provider. Every ingress endpoint maps to the
// Messages API; the format chain has already converted the payload.
func (p *Provider) TargetURL(string) string { return p.baseURL + messagesPath }

// Collector implements proxy.Provider.
func (p *Provider) Collector() streaming.Collector { return streaming.NewAnthropicCollector() }

// Prepare implements proxy.Provider: system prompt injection, cache-control
// budget, metadata scrub, then auth and fingerprint headers.
func (p *Provider) Prepare(ctx context.Context, rc *proxy.RequestContext, body map[string]any, headers http.Header) ([]byte, http.Header, error) {
	fp := p.fingerprint(ctx)

	if fp != nil {
		body = InjectSystemPrompt(body, fp.System, p.mode)
	}
	body = LimitCacheControlBlocks(body)
	body = RemoveMetadataFields(body)

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	if fp != nil {
		for name, value := range fp.Headers {
			if sensitiveHeaders[strings.ToLower(name)] {
				continue
			}
			headers.Set(name, value)
		}
	}

	token, err := p.manager.AccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	if headers.Get("anthropic-version") == "" {
		headers.Set("anthropic-version", anthropicVersion)
	}
	return encoded, headers, nil
}

// RefreshAuth implements proxy.AuthRefresher: the adapter calls this once
// after an upstream 401 before retrying.
func (p *Provider) RefreshAuth(ctx context.Context) error {
	return p.manager.Refresh(ctx)
}

// fingerprint is best-effort; a missing CLI degrades to a bare request.
func (p *Provider) fingerprint(ctx context.Context) *Fingerprint {
	if p.detector == nil {
		return nil
	}
	fp, err := p.detector.Fingerprint(ctx)
	if err != nil {
		slog.DebugContext(ctx, "fingerprint unavailable", "provider", p.Name(), "error", err)
		return nil
	}
	return fp
}

// InjectSystemPrompt prepends captured system blocks to the payload's system
// field according to mode. Injected blocks carry the private marker so
// cache-control shaping can tell them apart; the marker is scrubbed before
// the payload leaves.
func InjectSystemPrompt(payload map[string]any, captured []map[string]any, mode string) map[string]any {
	if mode == ModeNone || len(captured) == 0 {
		return payload
	}
	blocks := captured
	if mode == ModeMinimal {
		blocks = captured[:1]
	}

	var injected []any
	for _, block := range blocks {
		copied := make(map[string]any, len(block)+1)
		for k, v := range block {
			copied[k] = v
		}
		copied[injectedMarker] = true
		injected = append(injected, copied)
	}

	existing := systemAsBlocks(payload["system"])
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["system"] = append(injected, existing...)
	return out
}

func systemAsBlocks(v any) []any {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []any{map[string]any{"type": "text", "text": t}}
	case []any:
		return t
	default:
		return nil
	}
}
