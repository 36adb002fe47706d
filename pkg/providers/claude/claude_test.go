package claude

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	claudeauth "ccproxy-hq/ccproxy/pkg/auth/claude"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/proxy"
)

func textBlock(text string, cached, injected bool) map[string]any {
	b := map[string]any{"type": "text", "text": text}
	if cached {
		b["cache_control"] = map[string]any{"type": "ephemeral"}
	}
	if injected {
		b[injectedMarker] = true
	}
	return b
}

func countMarkers(t *testing.T, payload map[string]any) (total, injected int) {
	t.Helper()
	for _, m := range collectMarkers(payload) {
		total++
		if m.injected {
			injected++
		}
	}
	return total, injected
}

func TestLimitCacheControlBlocks_BudgetWithInjected(t *testing.T) {
	// Six markers, two on injected blocks. The budget of four must keep both
	// injected markers plus the two largest of the rest.
	payload := map[string]any{
		"system": []any{
			textBlock("injected-a", true, true),
			textBlock("injected-b", true, true),
			textBlock(strings.Repeat("x", 500), true, false), // largest
			textBlock(strings.Repeat("y", 300), true, false), // second largest
		},
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				textBlock(strings.Repeat("z", 100), true, false),
				textBlock("tiny", true, false),
			}},
		},
	}

	out := LimitCacheControlBlocks(payload)

	total, injected := countMarkers(t, out)
	if total != 4 {
		t.Fatalf("markers remaining = %d, want 4", total)
	}
	if injected != 2 {
		t.Errorf("injected markers remaining = %d, want 2", injected)
	}

	system := out["system"].([]any)
	if _, ok := system[2].(map[string]any)["cache_control"]; !ok {
		t.Error("largest non-injected block lost its marker")
	}
	if _, ok := system[3].(map[string]any)["cache_control"]; !ok {
		t.Error("second largest non-injected block lost its marker")
	}
	content := out["messages"].([]any)[0].(map[string]any)["content"].([]any)
	if _, ok := content[0].(map[string]any)["cache_control"]; ok {
		t.Error("small block kept its marker over a larger one")
	}
	if _, ok := content[1].(map[string]any)["cache_control"]; ok {
		t.Error("tiny block kept its marker")
	}
}

func TestLimitCacheControlBlocks_Idempotent(t *testing.T) {
	payload := map[string]any{
		"system": []any{
			textBlock("a", true, true),
			textBlock(strings.Repeat("b", 50), true, false),
			textBlock(strings.Repeat("c", 40), true, false),
			textBlock(strings.Repeat("d", 30), true, false),
			textBlock(strings.Repeat("e", 20), true, false),
			textBlock("f", true, false),
		},
	}

	once := LimitCacheControlBlocks(payload)
	encoded, _ := json.Marshal(once)
	twice := LimitCacheControlBlocks(once)
	again, _ := json.Marshal(twice)
	if string(encoded) != string(again) {
		t.Error("second application changed the payload")
	}
	if total, _ := countMarkers(t, twice); total != 4 {
		t.Errorf("markers = %d, want 4", total)
	}
}

func TestLimitCacheControlBlocks_UnderBudgetUntouched(t *testing.T) {
	payload := map[string]any{
		"system": []any{textBlock("a", true, false), textBlock("b", true, false)},
	}
	out := LimitCacheControlBlocks(payload)
	if total, _ := countMarkers(t, out); total != 2 {
		t.Errorf("markers = %d, want 2", total)
	}
}

func TestLimitCacheControlBlocks_ToolMarkers(t *testing.T) {
	tool := func(name, desc string) map[string]any {
		return map[string]any{
			"name":          name,
			"description":   desc,
			"cache_control": map[string]any{"type": "ephemeral"},
		}
	}
	payload := map[string]any{
		"system": []any{
			textBlock(strings.Repeat("s", 1000), true, false),
		},
		"tools": []any{
			tool("big", strings.Repeat("d", 800)),
			tool("mid", strings.Repeat("d", 400)),
			tool("small", "d"),
			tool("tiny", ""),
		},
	}
	out := LimitCacheControlBlocks(payload)
	if total, _ := countMarkers(t, out); total != 4 {
		t.Fatalf("markers = %d, want 4", total)
	}
	tools := out["tools"].([]any)
	if _, ok := tools[3].(map[string]any)["cache_control"]; ok {
		t.Error("smallest tool kept its marker")
	}
}

func TestRemoveMetadataFields(t *testing.T) {
	payload := map[string]any{
		"model":             "claude-x",
		"_ccproxy_injected": true,
		"system": []any{
			map[string]any{"type": "text", "text": "s", "_ccproxy_injected": true},
		},
		"metadata": map[string]any{"user_id": "u1", "_internal": "x"},
	}

	out := RemoveMetadataFields(payload)

	if _, ok := out["_ccproxy_injected"]; ok {
		t.Error("top-level private key survived")
	}
	block := out["system"].([]any)[0].(map[string]any)
	if _, ok := block["_ccproxy_injected"]; ok {
		t.Error("nested private key survived")
	}
	if block["text"] != "s" {
		t.Error("public key lost")
	}
	meta := out["metadata"].(map[string]any)
	if _, ok := meta["_internal"]; ok {
		t.Error("private key inside metadata survived")
	}
	if meta["user_id"] != "u1" {
		t.Error("public metadata lost")
	}

	// Idempotent: a second pass is a no-op.
	twice := RemoveMetadataFields(out)
	if !reflect.DeepEqual(out, twice) {
		t.Error("second scrub changed the payload")
	}
}

func TestInjectSystemPrompt(t *testing.T) {
	captured := []map[string]any{
		{"type": "text", "text": "cli block one", "cache_control": map[string]any{"type": "ephemeral"}},
		{"type": "text", "text": "cli block two"},
	}

	tests := []struct {
		name       string
		mode       string
		wantBlocks int
	}{
		{"none", ModeNone, 0},
		{"minimal", ModeMinimal, 1},
		{"full", ModeFull, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := map[string]any{
				"model":  "claude-x",
				"system": "user supplied prompt",
			}
			out := InjectSystemPrompt(payload, captured, tt.mode)

			if tt.mode == ModeNone {
				if out["system"] != "user supplied prompt" {
					t.Fatal("none mode touched the payload")
				}
				return
			}

			system := out["system"].([]any)
			if len(system) != tt.wantBlocks+1 {
				t.Fatalf("system blocks = %d, want %d", len(system), tt.wantBlocks+1)
			}
			for i := 0; i < tt.wantBlocks; i++ {
				block := system[i].(map[string]any)
				if block[injectedMarker] != true {
					t.Errorf("injected block %d missing marker", i)
				}
			}
			last := system[len(system)-1].(map[string]any)
			if last["text"] != "user supplied prompt" {
				t.Error("user system prompt lost")
			}
			if _, ok := last[injectedMarker]; ok {
				t.Error("user block wrongly marked as injected")
			}
			// The captured source must not be mutated.
			if _, ok := captured[0][injectedMarker]; ok {
				t.Error("marker leaked into the captured snapshot")
			}
		})
	}
}

func writeCredentials(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-credentials.json")
	creds := claudeauth.Credentials{ClaudeAiOauth: claudeauth.OAuthToken{
		AccessToken: token,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}}
	raw, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrepare_AuthAndShaping(t *testing.T) {
	manager := claudeauth.NewManager(writeCredentials(t, "tok-123"))
	defer manager.Close()

	p := NewProvider(config.ProviderConfig{}, manager, nil)

	body := map[string]any{
		"model":     "claude-x",
		"_internal": "scrub me",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	headers := http.Header{}
	rc := &proxy.RequestContext{RequestID: "r1", Endpoint: "/v1/messages"}

	encoded, outHeaders, err := p.Prepare(context.Background(), rc, body, headers)
	if err != nil {
		t.Fatal(err)
	}

	if got := outHeaders.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("authorization = %q", got)
	}
	if got := outHeaders.Get("anthropic-version"); got != anthropicVersion {
		t.Errorf("anthropic-version = %q", got)
	}

	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["_internal"]; ok {
		t.Error("private field left in outgoing payload")
	}
	if out["model"] != "claude-x" {
		t.Error("payload mangled")
	}
}

func TestPrepare_FingerprintOverlayNeverTouchesAuth(t *testing.T) {
	manager := claudeauth.NewManager(writeCredentials(t, "real-token"))
	defer manager.Close()

	detector := &Detector{cacheDir: t.TempDir(), binary: "claude", timeout: time.Second}
	detector.once.Do(func() {
		detector.fp = &Fingerprint{
			Version: "test",
			Headers: map[string]string{
				"User-Agent":    "claude-cli/1.0",
				"Authorization": "Bearer stolen",
				"X-Api-Key":     "stolen",
			},
			System: []map[string]any{{"type": "text", "text": "cli prompt"}},
		}
	})

	p := NewProvider(config.ProviderConfig{SystemPromptMode: ModeFull}, manager, detector)

	body := map[string]any{"model": "m", "messages": []any{}}
	encoded, headers, err := p.Prepare(context.Background(), &proxy.RequestContext{}, body, http.Header{})
	if err != nil {
		t.Fatal(err)
	}

	if got := headers.Get("Authorization"); got != "Bearer real-token" {
		t.Errorf("fingerprint overwrote auth: %q", got)
	}
	if got := headers.Get("X-Api-Key"); got != "" {
		t.Errorf("sensitive fingerprint header leaked: %q", got)
	}
	if got := headers.Get("User-Agent"); got != "claude-cli/1.0" {
		t.Errorf("fingerprint user agent missing: %q", got)
	}

	var out map[string]any
	json.Unmarshal(encoded, &out)
	system := out["system"].([]any)
	if len(system) != 1 || system[0].(map[string]any)["text"] != "cli prompt" {
		t.Errorf("captured system prompt not injected: %v", out["system"])
	}
	// Markers are private and must be gone from the wire payload.
	if _, ok := system[0].(map[string]any)[injectedMarker]; ok {
		t.Error("injected marker leaked to the wire")
	}
}

func TestTargetURL(t *testing.T) {
	p := NewProvider(config.ProviderConfig{BaseURL: "https://gw.example.com/"}, nil, nil)
	if got := p.TargetURL("/v1/chat/completions"); got != "https://gw.example.com/v1/messages" {
		t.Errorf("TargetURL = %q", got)
	}
}

func TestFingerprintCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fp := &Fingerprint{
		Version:    "2.1.0",
		Headers:    map[string]string{"User-Agent": "cli"},
		System:     []map[string]any{{"type": "text", "text": "s"}},
		CapturedAt: time.Now().UTC().Truncate(time.Second),
	}
	path := filepath.Join(dir, "claude-fingerprint-2.1.0.json")
	if err := saveFingerprint(path, fp); err != nil {
		t.Fatal(err)
	}
	loaded, err := loadFingerprint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != fp.Version || loaded.Headers["User-Agent"] != "cli" {
		t.Errorf("round trip lost data: %+v", loaded)
	}
	if len(loaded.System) != 1 {
		t.Errorf("system blocks lost: %+v", loaded.System)
	}
}
