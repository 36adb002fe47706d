package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/auth"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
)

func TestFilterRequestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer leaked")
	h.Set("X-Api-Key", "leaked")
	h.Set("X-Request-Id", "client-supplied")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Length", "42")
	h.Set("Accept", "text/event-stream")
	h.Set("User-Agent", "client/1.0")

	out := FilterRequestHeaders(h)

	for _, name := range []string{"Authorization", "X-Api-Key", "X-Request-Id", "Connection", "Content-Length"} {
		if out.Get(name) != "" {
			t.Errorf("%s leaked through filter", name)
		}
	}
	if out.Get("Accept") != "text/event-stream" {
		t.Error("Accept dropped")
	}
	if out.Get("User-Agent") != "client/1.0" {
		t.Error("User-Agent dropped")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Encoding", "gzip")
	h.Set("X-Ratelimit-Remaining", "10")

	out := FilterResponseHeaders(h)
	if out.Get("Transfer-Encoding") != "" || out.Get("Content-Encoding") != "" {
		t.Error("hop-by-hop response header leaked")
	}
	if out.Get("X-Ratelimit-Remaining") != "10" {
		t.Error("upstream rate limit header dropped")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"reauth required", &auth.ReauthRequiredError{Provider: "copilot", Reason: "expired"}, 401, "authentication_error"},
		{"no credentials", auth.ErrNoCredentials, 401, "authentication_error"},
		{"refresh failed", &auth.RefreshError{Provider: "claude", StatusCode: 502}, 401, "authentication_error"},
		{"forward conversion", &formats.ConversionError{Stage: "request", Cause: errors.New("bad shape")}, 400, "invalid_request_error"},
		{"reverse conversion", &formats.ConversionError{Stage: "response", Cause: errors.New("bad shape")}, 502, "server_error"},
		{"adapter missing", &formats.AdapterMissingError{From: "a", To: "b"}, 502, "server_error"},
		{"transport", &UpstreamTransportError{Provider: "claude", Cause: errors.New("dial refused")}, 502, "server_error"},
		{"unknown", errors.New("boom"), 500, "server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Status != tt.wantStatus || got.Type != tt.wantType {
				t.Errorf("MapError() = (%d, %s), want (%d, %s)",
					got.Status, got.Type, tt.wantStatus, tt.wantType)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured *RequestContext
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromRequest(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-Request-Id", "attacker-chosen")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured == nil || captured.RequestID == "" {
		t.Fatal("request context not attached")
	}
	if captured.RequestID == "attacker-chosen" {
		t.Error("client-supplied request id was honored")
	}
	if rec.Header().Get("X-Request-Id") != captured.RequestID {
		t.Error("request id not echoed to client")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("panic response not json: %v", err)
	}
	if body["error"].(map[string]any)["type"] != "server_error" {
		t.Errorf("unexpected panic body: %v", body)
	}
}

func TestLoggingMiddleware_EmitsRequestEvents(t *testing.T) {
	bus := hooks.NewBus()
	var mu sync.Mutex
	var events []hooks.Event
	bus.Subscribe(hooks.ObserverFunc{ObserverName: "capture", Fn: func(_ context.Context, ev hooks.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})

	handler := RequestID(Logging(bus)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected start+end events, got %d", len(events))
	}
	if events[0].Type != hooks.EventRequestStart || events[1].Type != hooks.EventRequestEnd {
		t.Errorf("event order wrong: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Status != http.StatusTeapot {
		t.Errorf("end event status = %d", events[1].Status)
	}
	if events[0].RequestID == "" || events[0].RequestID != events[1].RequestID {
		t.Error("request id not correlated across events")
	}
}
