package codex

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	codexauth "ccproxy-hq/ccproxy/pkg/auth/codex"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

func writeCredentials(t *testing.T, token, accountID string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codex-auth.json")
	creds := codexauth.Credentials{
		Tokens: codexauth.Tokens{
			AccessToken: token,
			AccountID:   accountID,
		},
		LastRefresh: time.Now().Format(time.RFC3339),
		Active:      true,
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func prepare(t *testing.T, body map[string]any, headers http.Header) (map[string]any, http.Header) {
	t.Helper()
	manager := codexauth.NewManager(writeCredentials(t, "codex-tok", "acct-42"))
	defer manager.Close()

	p := NewProvider(config.ProviderConfig{}, manager, nil)
	encoded, outHeaders, err := p.Prepare(context.Background(), &proxy.RequestContext{}, body, headers)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatal(err)
	}
	return out, outHeaders
}

func TestPrepare_ForcesStreamingContract(t *testing.T) {
	out, _ := prepare(t, map[string]any{
		"model":                 "gpt-5-codex",
		"stream":                false,
		"store":                 true,
		"max_output_tokens":     float64(4096),
		"max_completion_tokens": float64(4096),
		"input":                 []any{},
	}, http.Header{})

	if out["stream"] != true {
		t.Error("stream not forced on")
	}
	if out["store"] != false {
		t.Error("store not forced off")
	}
	if _, ok := out["max_output_tokens"]; ok {
		t.Error("max_output_tokens not stripped")
	}
	if _, ok := out["max_completion_tokens"]; ok {
		t.Error("max_completion_tokens not stripped")
	}
}

func TestPrepare_InstructionPreamble(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		out, _ := prepare(t, map[string]any{"model": "gpt-5-codex"}, http.Header{})
		if out["instructions"] != baselineInstructions {
			t.Errorf("instructions = %q", out["instructions"])
		}
	})

	t.Run("client supplied kept after preamble", func(t *testing.T) {
		out, _ := prepare(t, map[string]any{
			"model":        "gpt-5-codex",
			"instructions": "always answer in haiku",
		}, http.Header{})
		s := out["instructions"].(string)
		if !strings.HasPrefix(s, baselineInstructions) {
			t.Error("preamble not first")
		}
		if !strings.Contains(s, "always answer in haiku") {
			t.Error("client instructions dropped")
		}
	})
}

func TestPrepare_SessionIdentityHeaders(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		_, headers := prepare(t, map[string]any{"model": "m"}, http.Header{})
		if headers.Get("session_id") == "" {
			t.Error("session_id not generated")
		}
		if headers.Get("conversation_id") == "" {
			t.Error("conversation_id not generated")
		}
		if got := headers.Get("chatgpt-account-id"); got != "acct-42" {
			t.Errorf("chatgpt-account-id = %q", got)
		}
		if got := headers.Get("Authorization"); got != "Bearer codex-tok" {
			t.Errorf("authorization = %q", got)
		}
	})

	t.Run("client values preserved", func(t *testing.T) {
		in := http.Header{}
		in.Set("session_id", "sess-1")
		in.Set("conversation_id", "conv-1")
		_, headers := prepare(t, map[string]any{"model": "m"}, in)
		if headers.Get("session_id") != "sess-1" || headers.Get("conversation_id") != "conv-1" {
			t.Error("client session identity regenerated")
		}
	})
}

func TestAssembler(t *testing.T) {
	p := NewProvider(config.ProviderConfig{}, nil, nil)
	assemble := p.Assembler()

	events := []streaming.Event{
		{Data: map[string]any{"type": "response.created"}},
		{Data: map[string]any{"type": "response.output_text.delta", "delta": "hi"}},
		{Data: map[string]any{
			"type": "response.completed",
			"response": map[string]any{
				"id":     "resp_1",
				"status": "completed",
				"usage": map[string]any{
					"input_tokens":          float64(200),
					"output_tokens":         float64(80),
					"input_tokens_details":  map[string]any{"cached_tokens": float64(50)},
					"output_tokens_details": map[string]any{"reasoning_tokens": float64(10)},
				},
			},
		}},
	}

	body, err := assemble(events)
	if err != nil {
		t.Fatal(err)
	}
	if body["id"] != "resp_1" || body["status"] != "completed" {
		t.Errorf("assembled body wrong: %v", body)
	}
	usage := body["usage"].(map[string]any)
	if usage["input_tokens"] != float64(200) {
		t.Errorf("usage lost: %v", usage)
	}

	if _, err := assemble(events[:2]); err == nil {
		t.Error("missing terminal event not reported")
	}
}

func TestDetector_CachedCapturePreferred(t *testing.T) {
	dir := t.TempDir()
	c := &Capture{Version: "1.0.0", Instructions: "captured preamble", CapturedAt: time.Now().UTC()}
	if err := saveCapture(filepath.Join(dir, "codex-instructions-1.0.0.json"), c); err != nil {
		t.Fatal(err)
	}
	loaded, err := loadCapture(filepath.Join(dir, "codex-instructions-1.0.0.json"))
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Instructions != "captured preamble" {
		t.Errorf("instructions = %q", loaded.Instructions)
	}
}

func TestDetector_BaselineFallback(t *testing.T) {
	d := &Detector{cacheDir: t.TempDir(), binary: "definitely-not-a-real-binary", timeout: time.Second}
	if got := d.Instructions(context.Background()); got != baselineInstructions {
		t.Errorf("fallback = %q", got)
	}
}

func TestTargetURL(t *testing.T) {
	p := NewProvider(config.ProviderConfig{}, nil, nil)
	if got := p.TargetURL("/v1/responses"); got != "https://chatgpt.com/backend-api/codex/responses" {
		t.Errorf("TargetURL = %q", got)
	}
}
