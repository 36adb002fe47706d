// Package codex implements the OpenAI Codex provider against the ChatGPT
// backend: a stream-only upstream with session identity headers and a
// mandatory instruction preamble.
package codex

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	codexauth "ccproxy-hq/ccproxy/pkg/auth/codex"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

// The configured base URL carries the full backend prefix; only the
// operation path is appended.
const (
	defaultBaseURL = "https://chatgpt.com/backend-api/codex"
	responsesPath  = "/responses"
)

// Provider forwards Responses payloads to the Codex backend. The upstream
// only answers in SSE, so the provider is stream-only: non-streaming clients
// go through the buffered pathway.
type Provider struct {
	manager  *codexauth.Manager
	detector *Detector
	baseURL  string
}

// NewProvider wires the provider from its config section. detector may be
// nil; the baseline instructions are used instead.
func NewProvider(cfg config.ProviderConfig, manager *codexauth.Manager, detector *Detector) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		manager:  manager,
		detector: detector,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

// Name implements proxy.Provider.
func (p *Provider) Name() string { return "codex" }

// BaseURL implements proxy.Provider.
func (p *Provider) BaseURL() string { return p.baseURL }

// TargetURL implements proxy.Provider.
func (p *Provider) TargetURL(string) string { return p.baseURL + responsesPath }

// Collector implements proxy.Provider.
func (p *Provider) Collector() streaming.Collector { return streaming.NewOpenAICollector() }

// Prepare implements proxy.Provider: forces the streaming contract the
// upstream requires, prepends the instruction preamble, and attaches session
// identity and auth headers.
func (p *Provider) Prepare(ctx context.Context, rc *proxy.RequestContext, body map[string]any, headers http.Header) ([]byte, http.Header, error) {
	out := make(map[string]any, len(body)+3)
	for k, v := range body {
		out[k] = v
	}

	// The backend rejects non-streaming and stored requests outright.
	out["stream"] = true
	out["store"] = false
	delete(out, "max_output_tokens")
	delete(out, "max_completion_tokens")

	out["instructions"] = p.withInstructions(ctx, out["instructions"])

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}

	token, err := p.manager.AccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")

	if headers.Get("session_id") == "" {
		headers.Set("session_id", uuid.NewString())
	}
	if headers.Get("conversation_id") == "" {
		headers.Set("conversation_id", uuid.NewString())
	}
	if accountID := p.manager.AccountID(); accountID != "" {
		headers.Set("chatgpt-account-id", accountID)
	}
	return encoded, headers, nil
}

// withInstructions prepends the mandatory preamble, keeping any client
// supplied instructions after it.
func (p *Provider) withInstructions(ctx context.Context, existing any) string {
	base := baselineInstructions
	if p.detector != nil {
		base = p.detector.Instructions(ctx)
	}
	if s, ok := existing.(string); ok && s != "" && s != base {
		return base + "\n\n" + s
	}
	return base
}

// RefreshAuth implements proxy.AuthRefresher.
func (p *Provider) RefreshAuth(ctx context.Context) error {
	return p.manager.Refresh(ctx)
}

// Assembler implements proxy.StreamOnlyProvider: the terminal
// response.completed event carries the full response object.
func (p *Provider) Assembler() streaming.Assembler {
	return func(events []streaming.Event) (map[string]any, error) {
		for i := len(events) - 1; i >= 0; i-- {
			data := events[i].Data
			if data == nil {
				continue
			}
			if data["type"] == "response.completed" {
				if response, ok := data["response"].(map[string]any); ok {
					return response, nil
				}
			}
		}
		return nil, fmt.Errorf("stream ended without a response.completed event")
	}
}
