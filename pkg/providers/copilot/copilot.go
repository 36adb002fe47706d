// Package copilot implements the GitHub Copilot provider: two-stage token
// auth, editor header injection, and response normalisation for the gaps in
// Copilot's OpenAI compatibility.
package copilot

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	copilotauth "ccproxy-hq/ccproxy/pkg/auth/copilot"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

const (
	defaultBaseURL = "https://api.githubcopilot.com"
	chatPath       = "/chat/completions"
)

// defaultHeaders identify ccproxy as an editor integration; config
// ExtraHeaders override them.
var defaultHeaders = map[string]string{
	"Editor-Version":         "vscode/1.99.0",
	"Copilot-Integration-Id": "vscode-chat",
}

// Provider forwards Chat Completions payloads to the Copilot API.
type Provider struct {
	manager *copilotauth.Manager
	baseURL string
	extra   map[string]string
}

// NewProvider wires the provider from its config section.
func NewProvider(cfg config.ProviderConfig, manager *copilotauth.Manager) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		manager: manager,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		extra:   cfg.ExtraHeaders,
	}
}

// Name implements proxy.Provider.
func (p *Provider) Name() string { return "copilot" }

// BaseURL implements proxy.Provider.
func (p *Provider) BaseURL() string { return p.baseURL }

// TargetURL implements proxy.Provider.
func (p *Provider) TargetURL(string) string { return p.baseURL + chatPath }

// Collector implements proxy.Provider.
func (p *Provider) Collector() streaming.Collector { return streaming.NewOpenAICollector() }

// Prepare implements proxy.Provider: short-lived token auth plus the editor
// identity headers Copilot requires, and a fresh x-request-id per attempt.
func (p *Provider) Prepare(ctx context.Context, rc *proxy.RequestContext, body map[string]any, headers http.Header) ([]byte, http.Header, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	token, err := p.manager.AccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Request-Id", uuid.NewString())

	for name, value := range defaultHeaders {
		if headers.Get(name) == "" {
			headers.Set(name, value)
		}
	}
	for name, value := range p.extra {
		headers.Set(name, value)
	}
	return encoded, headers, nil
}

// RefreshAuth implements proxy.AuthRefresher: a 401 means the short-lived
// token died early, so force a fresh exchange.
func (p *Provider) RefreshAuth(ctx context.Context) error {
	return p.manager.Refresh(ctx)
}
