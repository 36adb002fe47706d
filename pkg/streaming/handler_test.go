package streaming

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprint(w, frame)
		}
	}))
}

func streamRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestHandler_PassthroughPreservesFrames(t *testing.T) {
	srv := sseServer(t, []string{
		"event: message_start\n",
		"data: {\"type\":\"message_start\"}\n",
		"\n",
		"data: not json at all\n",
		"\n",
		"data: [DONE]\n",
		"\n",
	})
	defer srv.Close()

	h := NewHandler(formats.NewDefaultRegistry(), hooks.NewBus(), nil)
	rec := httptest.NewRecorder()

	err := h.HandleStreamingRequest(context.Background(), rec, streamRequest(t, srv.URL), srv.Client(), Config{
		Chain: []formats.Dialect{formats.AnthropicMessages},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: message_start\n") {
		t.Error("event line not preserved")
	}
	if !strings.Contains(body, "data: not json at all\n") {
		t.Error("unparseable data line not preserved")
	}
	if !strings.Contains(body, "data: [DONE]\n") {
		t.Error("[DONE] sentinel not preserved")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
}

func TestHandler_ConvertsAnthropicStreamToOpenAI(t *testing.T) {
	srv := sseServer(t, []string{
		"event: message_start\n",
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-x\",\"usage\":{\"input_tokens\":7}}}\n",
		"\n",
		"event: content_block_delta\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n",
		"\n",
		"event: message_delta\n",
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n",
		"\n",
		"event: message_stop\n",
		"data: {\"type\":\"message_stop\"}\n",
		"\n",
	})
	defer srv.Close()

	collector := NewAnthropicCollector()
	var mu sync.Mutex
	var events []hooks.Event
	bus := hooks.NewBus()
	bus.Subscribe(hooks.ObserverFunc{ObserverName: "capture", Fn: func(_ context.Context, ev hooks.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})

	pricing := func(provider, model string, m hooks.StreamMetrics) (float64, bool) {
		return 0.00042, true
	}

	h := NewHandler(formats.NewDefaultRegistry(), bus, pricing)
	rec := httptest.NewRecorder()

	err := h.HandleStreamingRequest(context.Background(), rec, streamRequest(t, srv.URL), srv.Client(), Config{
		Chain:     []formats.Dialect{formats.OpenAIChatCompletions, formats.AnthropicMessages},
		Collector: collector,
		Provider:  "claude",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	if strings.Contains(body, "event:") {
		t.Error("source event names leaked into converted stream")
	}
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Error("no converted chunks in output")
	}
	if !strings.Contains(body, `"content":"hi"`) {
		t.Error("text delta lost")
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Error("converted openai stream must end with [DONE]")
	}

	// Every data frame in the output must parse as a chunk or be the
	// sentinel.
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line[len("data: "):]), &m); err != nil {
			t.Errorf("unparseable output frame: %q", line)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStart, sawEnd bool
	for _, ev := range events {
		switch ev.Type {
		case hooks.EventStreamStart:
			sawStart = true
		case hooks.EventStreamEnd:
			sawEnd = true
			if ev.Metrics == nil {
				t.Fatal("stream_end without metrics")
			}
			if ev.Metrics.Model != "claude-x" {
				t.Errorf("metrics model = %q", ev.Metrics.Model)
			}
			if ev.Metrics.CostUSD == nil || *ev.Metrics.CostUSD != 0.00042 {
				t.Errorf("cost = %v", ev.Metrics.CostUSD)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("hook events incomplete: start=%v end=%v", sawStart, sawEnd)
	}
}

func TestHandler_UnparseableLineIsOwnFrameWhenConverting(t *testing.T) {
	srv := sseServer(t, []string{
		"data: not json at all\n",
		"\n",
		"event: message_start\n",
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-x\",\"usage\":{\"input_tokens\":7}}}\n",
		"\n",
		"event: message_stop\n",
		"data: {\"type\":\"message_stop\"}\n",
		"\n",
	})
	defer srv.Close()

	h := NewHandler(formats.NewDefaultRegistry(), hooks.NewBus(), nil)
	rec := httptest.NewRecorder()

	err := h.HandleStreamingRequest(context.Background(), rec, streamRequest(t, srv.URL), srv.Client(), Config{
		Chain: []formats.Dialect{formats.OpenAIChatCompletions, formats.AnthropicMessages},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	// The passthrough payload must be terminated before the next converted
	// event; two data lines in one frame concatenate on the client.
	if !strings.Contains(body, "data: not json at all\n\n") {
		t.Errorf("unparseable line not framed as its own event:\n%s", body)
	}
	if strings.Contains(body, "data: not json at all\ndata:") {
		t.Errorf("unparseable line merged into the next frame:\n%s", body)
	}
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Error("converted chunks missing after passthrough frame")
	}
}

// failingWriter accepts the first chunk and then refuses writes, imitating a
// client that went away mid-stream.
type failingWriter struct {
	header http.Header
	writes int
}

func (w *failingWriter) Header() http.Header { return w.header }

func (w *failingWriter) WriteHeader(int) {}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, fmt.Errorf("connection reset")
	}
	return len(p), nil
}

func TestHandler_ClientDisconnectInterruptsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
			if _, err := fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i); err != nil {
				return
			}
			fl.Flush()
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	streamEnds := 0
	bus := hooks.NewBus()
	bus.Subscribe(hooks.ObserverFunc{ObserverName: "capture", Fn: func(_ context.Context, ev hooks.Event) {
		if ev.Type == hooks.EventStreamEnd {
			mu.Lock()
			streamEnds++
			mu.Unlock()
		}
	}})

	h := NewHandler(formats.NewDefaultRegistry(), bus, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.HandleStreamingRequest(context.Background(), &failingWriter{header: http.Header{}},
			streamRequest(t, srv.URL), srv.Client(), Config{
				Chain:     []formats.Dialect{formats.AnthropicMessages},
				Collector: NewAnthropicCollector(),
			})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client write failure")
	}

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream session not interrupted after the last listener detached")
	}

	mu.Lock()
	defer mu.Unlock()
	if streamEnds != 1 {
		t.Errorf("stream_end emitted %d times, want 1", streamEnds)
	}
}

func TestHandler_UpstreamErrorConverted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	h := NewHandler(formats.NewDefaultRegistry(), hooks.NewBus(), nil)
	rec := httptest.NewRecorder()

	err := h.HandleStreamingRequest(context.Background(), rec, streamRequest(t, srv.URL), srv.Client(), Config{
		Chain: []formats.Dialect{formats.OpenAIChatCompletions, formats.AnthropicMessages},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not json: %v", err)
	}
	inner := body["error"].(map[string]any)
	if inner["type"] != "rate_limit_error" {
		t.Errorf("error not converted to openai shape: %v", body)
	}
}

func TestHandler_BufferedStreaming(t *testing.T) {
	srv := sseServer(t, []string{
		"event: response.output_text.delta\n",
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"par\"}\n",
		"\n",
		"event: response.completed\n",
		"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"model\":\"gpt-5-codex\",\"status\":\"completed\",\"usage\":{\"input_tokens\":12,\"output_tokens\":4}}}\n",
		"\n",
	})
	defer srv.Close()

	h := NewHandler(formats.NewDefaultRegistry(), hooks.NewBus(), nil)

	assemble := func(events []Event) (map[string]any, error) {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Data["type"] == "response.completed" {
				return events[i].Data["response"].(map[string]any), nil
			}
		}
		return nil, fmt.Errorf("no terminal event")
	}

	collector := NewOpenAICollector()
	status, body, err := h.HandleBufferedStreamingRequest(context.Background(),
		streamRequest(t, srv.URL), srv.Client(), Config{
			Chain:     []formats.Dialect{formats.OpenAIResponses},
			Collector: collector,
			Provider:  "codex",
		}, assemble)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d", status)
	}
	if body["id"] != "resp_1" || body["status"] != "completed" {
		t.Errorf("assembled body wrong: %v", body)
	}

	m := collector.Metrics()
	if m.TokensInput == nil || *m.TokensInput != 12 {
		t.Errorf("collector missed usage: %v", m.TokensInput)
	}
}

func TestHandler_BufferedStreamingUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad token","type":"authentication_error"}}`)
	}))
	defer srv.Close()

	h := NewHandler(formats.NewDefaultRegistry(), hooks.NewBus(), nil)

	status, body, err := h.HandleBufferedStreamingRequest(context.Background(),
		streamRequest(t, srv.URL), srv.Client(), Config{
			Chain: []formats.Dialect{formats.OpenAIResponses},
		}, func([]Event) (map[string]any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d", status)
	}
	if body["error"] == nil {
		t.Errorf("error body lost: %v", body)
	}
}
