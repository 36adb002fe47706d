package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/models"
	"ccproxy-hq/ccproxy/pkg/tokens"
)

func newValidation(t *testing.T) *Validation {
	t.Helper()
	registry := models.NewRegistry(config.ModelsConfig{CacheDir: t.TempDir()}, nil)
	return NewValidation(registry, tokens.NewCounter(), config.ModelsConfig{})
}

// upstreamGuard fails the test if the wrapped handler is ever reached.
func upstreamGuard(t *testing.T, reached *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		w.WriteHeader(http.StatusOK)
	})
}

func postJSON(t *testing.T, handler http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(encoded)))
	rec := httptest.NewRecorder()
	RequestID(handler).ServeHTTP(rec, req)
	return rec
}

func TestValidation_ContextLengthExceeded(t *testing.T) {
	v := newValidation(t)
	var reached bool
	handler := v.Middleware(upstreamGuard(t, &reached))

	// ~1500 counted tokens against the 200k window would pass, so shrink the
	// request model to a card with a small window via a giant prompt against
	// the smallest builtin card instead: build a prompt beyond the window.
	huge := strings.Repeat("a", 210000*4)
	rec := postJSON(t, handler, "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4-20250514",
		"messages": []any{map[string]any{"role": "user", "content": huge}},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"].(map[string]any)["code"] != "context_length_exceeded" {
		t.Errorf("unexpected error body: %v", body)
	}
	if reached {
		t.Error("upstream handler reached despite window violation")
	}
}

func TestValidation_MaxTokensExceeded(t *testing.T) {
	v := newValidation(t)
	var reached bool
	handler := v.Middleware(upstreamGuard(t, &reached))

	rec := postJSON(t, handler, "/v1/messages", map[string]any{
		"model":      "claude-sonnet-4-20250514",
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
		"max_tokens": float64(1000000),
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"].(map[string]any)["code"] != "max_tokens_exceeded" {
		t.Errorf("unexpected error body: %v", body)
	}
	if reached {
		t.Error("upstream handler reached despite output limit violation")
	}
}

func TestValidation_UnsupportedVision(t *testing.T) {
	v := newValidation(t)
	var reached bool
	handler := v.Middleware(upstreamGuard(t, &reached))

	// gpt-5-codex has no vision support in the builtin cards.
	rec := postJSON(t, handler, "/codex/responses", map[string]any{
		"model": "gpt-5-codex",
		"messages": []any{map[string]any{
			"role": "user",
			"content": []any{map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": "data:image/png;base64,aGk="},
			}},
		}},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if reached {
		t.Error("upstream handler reached despite capability violation")
	}
}

func TestValidation_UnsupportedResponseFormat(t *testing.T) {
	// claude-3-5-haiku has no response schema support in the builtin cards;
	// both structured-output modes must be rejected.
	for _, typ := range []string{"json_object", "json_schema"} {
		t.Run(typ, func(t *testing.T) {
			v := newValidation(t)
			var reached bool
			handler := v.Middleware(upstreamGuard(t, &reached))

			rec := postJSON(t, handler, "/v1/chat/completions", map[string]any{
				"model":           "claude-3-5-haiku-20241022",
				"messages":        []any{map[string]any{"role": "user", "content": "hi"}},
				"response_format": map[string]any{"type": typ},
			})

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body map[string]any
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"].(map[string]any)["code"] != "unsupported_feature" {
				t.Errorf("unexpected error body: %v", body)
			}
			if reached {
				t.Error("upstream handler reached despite unsupported response format")
			}
		})
	}
}

func TestValidation_PassesValidRequest(t *testing.T) {
	v := newValidation(t)
	var reached bool
	var rcSeen *RequestContext
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		rcSeen = FromRequest(r)
	}))

	rec := postJSON(t, handler, "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4-20250514",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !reached {
		t.Fatal("valid request did not reach handler")
	}
	if rcSeen.Body == nil || rcSeen.Card == nil {
		t.Error("validation did not populate request context")
	}
	if rcSeen.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", rcSeen.Model)
	}
	if rcSeen.InputTokens == 0 {
		t.Error("input tokens not counted")
	}
}

func TestValidation_UnknownModelPassesThrough(t *testing.T) {
	v := newValidation(t)
	var reached bool
	handler := v.Middleware(upstreamGuard(t, &reached))

	rec := postJSON(t, handler, "/v1/messages", map[string]any{
		"model":    "claude-brand-new",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})

	if rec.Code != http.StatusOK || !reached {
		t.Error("unknown model should pass through to upstream")
	}
}

func TestValidation_MalformedJSON(t *testing.T) {
	v := newValidation(t)
	var reached bool
	handler := v.Middleware(upstreamGuard(t, &reached))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	RequestID(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if reached {
		t.Error("malformed body reached handler")
	}
}

func TestValidation_WarningHeaderNearWindow(t *testing.T) {
	v := newValidation(t)
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 95% of the 200k window, above the 0.9 warn fraction but below the cap.
	prompt := strings.Repeat("a", 190000*4)
	rec := postJSON(t, handler, "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4-20250514",
		"messages": []any{map[string]any{"role": "user", "content": prompt}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Model-Warning") == "" {
		t.Error("expected X-Model-Warning near the window")
	}
}

func TestProviderForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/messages", "anthropic"},
		{"/v1/chat/completions", "anthropic"},
		{"/v1/responses", "openai"},
		{"/codex/responses", "openai"},
		{"/copilot/chat/completions", "github_copilot"},
		{"/healthz", ""},
	}
	for _, tt := range tests {
		if got := providerForPath(tt.path); got != tt.want {
			t.Errorf("providerForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
