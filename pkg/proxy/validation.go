package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/models"
	"ccproxy-hq/ccproxy/pkg/tokens"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 32 << 20

// Validation decodes the request body once, resolves the model card, and
// enforces window and capability limits before anything touches the
// upstream pool. Requests on paths whose provider cannot be inferred pass
// through unvalidated.
type Validation struct {
	registry     *models.Registry
	counter      *tokens.Counter
	warnFraction float64
}

// NewValidation builds the middleware. warnFraction 0 takes the default.
func NewValidation(registry *models.Registry, counter *tokens.Counter, cfg config.ModelsConfig) *Validation {
	warn := cfg.WarnFraction
	if warn <= 0 || warn > 1 {
		warn = 0.9
	}
	return &Validation{registry: registry, counter: counter, warnFraction: warn}
}

// providerForPath infers the card provider tag from the route. Ambiguous
// paths return "" and skip validation.
func providerForPath(path string) string {
	switch {
	case strings.Contains(path, "/copilot/"):
		return "github_copilot"
	case strings.Contains(path, "/codex/") || strings.Contains(path, "/responses"):
		return "openai"
	case strings.Contains(path, "/messages") || strings.Contains(path, "/chat/completions"):
		return "anthropic"
	}
	return ""
}

// Middleware wraps a chat/completion handler.
func (v *Validation) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := FromRequest(r)
		if rc == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeBadRequest(w, "failed to read request body", "")
			return
		}
		r.Body.Close()
		// Downstream stages re-read the body from the context; the request
		// body is restored for handlers that bypass the context.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		rc.RawBody = raw

		body := map[string]any{}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeBadRequest(w, "request body is not valid JSON: "+err.Error(), "")
			return
		}
		rc.Body = body
		rc.Model, _ = body["model"].(string)

		provider := providerForPath(r.URL.Path)
		if provider == "" || rc.Model == "" {
			next.ServeHTTP(w, r)
			return
		}

		card, err := v.registry.Lookup(provider, rc.Model)
		if err != nil {
			// Unknown models pass through: the registry feed may lag behind
			// upstream launches and the upstream is the authority.
			next.ServeHTTP(w, r)
			return
		}
		rc.Card = card

		if !v.enforce(w, rc, card, body) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforce applies the window and capability checks; it reports false after
// writing an error response.
func (v *Validation) enforce(w http.ResponseWriter, rc *RequestContext, card *models.Card, body map[string]any) bool {
	style := tokens.StyleOpenAI
	if strings.Contains(rc.Endpoint, "/messages") {
		style = tokens.StyleAnthropic
	}

	counted, hasImages, hasTools := v.countRequest(style, rc.Model, body)
	rc.InputTokens = counted

	if window := card.InputWindow(); window > 0 && counted > window {
		WriteError(w, apiError{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Message: fmt.Sprintf("request counts %d input tokens which exceeds the model window of %d", counted, window),
			Code:    "context_length_exceeded",
		})
		return false
	}

	if maxTok, ok := intValue(body["max_tokens"]); ok {
		if window := card.OutputWindow(); window > 0 && maxTok > window {
			WriteError(w, apiError{
				Status:  http.StatusBadRequest,
				Type:    "invalid_request_error",
				Message: fmt.Sprintf("max_tokens %d exceeds the model output limit of %d", maxTok, window),
				Code:    "max_tokens_exceeded",
				Param:   "max_tokens",
			})
			return false
		}
	}

	if hasImages && !card.SupportsVision {
		writeBadRequest(w, fmt.Sprintf("model %s does not support image content", rc.Model), "unsupported_content")
		return false
	}
	if hasTools && !card.SupportsFunctionCalling {
		writeBadRequest(w, fmt.Sprintf("model %s does not support tools", rc.Model), "unsupported_feature")
		return false
	}
	if wantsResponseSchema(body) && !card.SupportsResponseSchema {
		writeBadRequest(w, fmt.Sprintf("model %s does not support response schemas", rc.Model), "unsupported_feature")
		return false
	}

	if window := card.InputWindow(); window > 0 && float64(counted) > v.warnFraction*float64(window) {
		w.Header().Add("X-Model-Warning",
			fmt.Sprintf("input tokens %d exceed %.0f%% of the %d token window", counted, v.warnFraction*100, window))
	}
	return true
}

// countRequest extracts countable messages from either dialect, noting
// whether image or tool features appear.
func (v *Validation) countRequest(style tokens.Style, model string, body map[string]any) (count int, hasImages, hasTools bool) {
	var msgs []tokens.Message

	if system, ok := body["system"].(string); ok && system != "" {
		msgs = append(msgs, tokens.Message{Role: "system", Text: system})
	}

	if rawMsgs, ok := body["messages"].([]any); ok {
		for _, rawMsg := range rawMsgs {
			msg, ok := rawMsg.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			m := tokens.Message{Role: role}

			switch content := msg["content"].(type) {
			case string:
				m.Text = content
			case []any:
				for _, rawPart := range content {
					part, ok := rawPart.(map[string]any)
					if !ok {
						continue
					}
					switch part["type"] {
					case "text":
						if s, ok := part["text"].(string); ok {
							m.Text += s
						}
					case "image_url", "image":
						m.Images++
						hasImages = true
					}
				}
			}
			msgs = append(msgs, m)
		}
	}

	// Responses-API input field.
	if input, ok := body["input"].(string); ok {
		msgs = append(msgs, tokens.Message{Role: "user", Text: input})
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		hasTools = true
		if encoded, err := json.Marshal(tools); err == nil {
			msgs = append(msgs, tokens.Message{Text: string(encoded)})
		}
	}

	return v.counter.CountMessages(style, model, msgs), hasImages, hasTools
}

func wantsResponseSchema(body map[string]any) bool {
	rf, ok := body["response_format"].(map[string]any)
	if !ok {
		return false
	}
	return rf["type"] == "json_schema" || rf["type"] == "json_object"
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
