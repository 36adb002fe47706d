package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/hooks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"claude":  {CredentialsPath: filepath.Join(dir, "claude.json")},
			"codex":   {CredentialsPath: filepath.Join(dir, "codex.json")},
			"copilot": {CredentialsPath: filepath.Join(dir, "copilot.json")},
		},
		Models: config.ModelsConfig{CacheDir: dir},
		Access: config.AccessConfig{Enabled: false},
		Telemetry: config.TelemetryConfig{
			MetricsEnabled: false,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.initPlugins(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.plugins.ShutdownAll(context.Background()) })
	return s
}

func TestRoutes_ProviderEndpointsBound(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	// Each provider route must resolve to a handler, not the mux 404.
	paths := []string{
		"/v1/messages",
		"/v1/chat/completions",
		"/v1/responses",
		"/codex/responses",
		"/copilot/chat/completions",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		// Malformed JSON proves the pipeline ran: bound routes answer 400,
		// an unbound path would answer 404/405.
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestRoutes_ModelList(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["object"] != "list" {
		t.Errorf("object = %v", body["object"])
	}
	data := body["data"].([]any)
	if len(data) == 0 {
		t.Fatal("builtin cards missing from model list")
	}
	first := data[0].(map[string]any)
	if first["object"] != "model" || first["id"] == "" {
		t.Errorf("malformed model entry: %v", first)
	}
}

func TestRoutes_Health(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	plugins := body["plugins"].(map[string]any)
	for _, name := range []string{"claude", "codex", "copilot"} {
		detail, ok := plugins[name].(map[string]any)
		if !ok {
			t.Fatalf("plugin %q missing from health: %v", name, plugins)
		}
		if detail["initialized"] != true || detail["type"] != "provider" {
			t.Errorf("plugin %q health wrong: %v", name, detail)
		}
	}
}

func TestProviderEnabledFlag(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	pc := cfg.Providers["copilot"]
	pc.Enabled = &disabled
	cfg.Providers["copilot"] = pc

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.initPlugins(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.plugins.ShutdownAll(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/copilot/chat/completions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled provider route answered %d, want 404", rec.Code)
	}
}

func TestPricing(t *testing.T) {
	s := newTestServer(t)

	input, output := 1000, 500
	cost, ok := s.pricing("claude", "claude-sonnet-4-20250514", hooks.StreamMetrics{
		TokensInput:  &input,
		TokensOutput: &output,
	})
	if !ok {
		t.Fatal("builtin card not priced")
	}
	if cost <= 0 {
		t.Errorf("cost = %f", cost)
	}

	if _, ok := s.pricing("anthropic", "no-such-model", hooks.StreamMetrics{}); ok {
		t.Error("unknown model priced")
	}
}
