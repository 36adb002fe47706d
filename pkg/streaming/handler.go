package streaming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
)

// scanner buffer sizing: SSE data lines carry whole JSON events, which for
// large tool arguments can run to megabytes.
const (
	scanBufferInitial = 64 * 1024
	scanBufferMax     = 10 * 1024 * 1024
)

// PricingFunc prices a finished stream's usage in USD. ok is false when the
// model is unknown to the pricing source.
type PricingFunc func(provider, model string, metrics hooks.StreamMetrics) (cost float64, ok bool)

// Config carries the per-request streaming parameters.
type Config struct {
	// Chain is the route's format chain; its reverse direction drives SSE
	// conversion.
	Chain []formats.Dialect

	// Collector extracts usage metrics from upstream events.
	Collector Collector

	// Provider and RequestID label hook events.
	Provider  string
	RequestID string
}

// Handler relays upstream SSE streams to clients.
type Handler struct {
	registry *formats.Registry
	bus      *hooks.Bus
	pricing  PricingFunc
}

// NewHandler builds a streaming handler. pricing may be nil.
func NewHandler(registry *formats.Registry, bus *hooks.Bus, pricing PricingFunc) *Handler {
	return &Handler{registry: registry, bus: bus, pricing: pricing}
}

// HandleStreamingRequest performs the upstream call and relays its SSE body
// to the client, converting events through the reverse chain when an adapter
// exists. Upstream error statuses are converted and returned as a single
// JSON body instead of a stream.
func (h *Handler) HandleStreamingRequest(ctx context.Context, w http.ResponseWriter, upstream *http.Request, client *http.Client, cfg Config) error {
	resp, err := client.Do(upstream)
	if err != nil {
		return fmt.Errorf("upstream streaming call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return h.writeConvertedError(w, resp, cfg)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.emit(ctx, hooks.EventStreamStart, cfg, nil)

	// The relay runs behind a stream handle: the producer feeds frames in and
	// the response writer reads them as a listener. When the last listener
	// detaches the handle closes the upstream body, which unblocks the
	// producer's scanner.
	handle := NewHandle(InterrupterFunc(func(context.Context) error {
		return resp.Body.Close()
	}))
	listener := handle.AddListener()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.relayUpstream(ctx, resp.Body, handle, cfg)
	}()
	defer func() { <-done }()
	defer handle.RemoveListener(listener)

	for {
		chunk, err := listener.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return h.clientGone(ctx, cfg, err)
			}
			// Clean close or a producer failure the producer already logged.
			return nil
		}
		if _, werr := w.Write(chunk); werr != nil {
			return h.clientGone(ctx, cfg, werr)
		}
		flush()
	}
}

// relayUpstream scans the upstream SSE body, converts events through the
// reverse chain, and broadcasts finished frames into the handle. It owns the
// stream_end emission.
func (h *Handler) relayUpstream(ctx context.Context, body io.Reader, handle *Handle, cfg Config) {
	pipeline, converts := h.registry.NewStreamPipeline(cfg.Chain)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)

	doneSent := false

	for scanner.Scan() {
		line := scanner.Text()
		kind, payload := classifyLine(line)

		switch kind {
		case lineData:
			data, ok := decodeData(payload)
			if !ok {
				// Unparseable payloads pass through untouched, as their own
				// event: a converting chain suppresses upstream blank lines,
				// so the frame terminator is written here.
				if converts {
					handle.Broadcast([]byte(line + "\n\n"))
				} else {
					handle.Broadcast([]byte(line + "\n"))
				}
				continue
			}

			if cfg.Collector != nil {
				cfg.Collector.ProcessChunk(data)
			}

			if !converts {
				handle.Broadcast([]byte(line + "\n"))
				h.emit(ctx, hooks.EventStreamChunk, cfg, nil)
				continue
			}

			events, err := pipeline.Convert(data)
			if err != nil {
				slog.WarnContext(ctx, "stream conversion failed, closing stream",
					"request_id", cfg.RequestID, "error", err)
				handle.Broadcast([]byte("data: " + streamErrorEvent(err) + "\n\n"))
				handle.Finish(nil)
				h.finishStream(ctx, cfg)
				return
			}
			for _, event := range events {
				frame, err := encodeEvent(event)
				if err != nil {
					continue
				}
				handle.Broadcast(frame)
				h.emit(ctx, hooks.EventStreamChunk, cfg, nil)
			}

		case lineDone:
			doneSent = true
			handle.Broadcast([]byte("data: [DONE]\n\n"))

		case lineBlank:
			if !converts {
				handle.Broadcast([]byte("\n"))
			}

		case lineEvent:
			// Event names describe the source dialect; converted streams
			// re-frame events, so the names only survive passthrough.
			if !converts {
				handle.Broadcast([]byte(line + "\n"))
			}

		case lineOther:
			handle.Broadcast([]byte(line + "\n"))
		}
	}

	if err := scanner.Err(); err != nil {
		slog.WarnContext(ctx, "upstream stream read failed",
			"request_id", cfg.RequestID, "error", err)
	}

	if converts && pipeline.EmitsDone() && !doneSent {
		handle.Broadcast([]byte("data: [DONE]\n\n"))
	}

	handle.Finish(nil)
	h.finishStream(ctx, cfg)
}

// Assembler folds a consumed stream's events into one response body.
type Assembler func(events []Event) (map[string]any, error)

// HandleBufferedStreamingRequest calls upstream in streaming mode, consumes
// the whole stream internally, assembles a single response body, and runs it
// through the reverse chain. Used by providers whose upstream only streams.
func (h *Handler) HandleBufferedStreamingRequest(ctx context.Context, upstream *http.Request, client *http.Client, cfg Config, assemble Assembler) (int, map[string]any, error) {
	resp, err := client.Do(upstream)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream streaming call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, err := h.convertErrorBody(resp, cfg)
		if err != nil {
			return 0, nil, err
		}
		return resp.StatusCode, body, nil
	}

	h.emit(ctx, hooks.EventStreamStart, cfg, nil)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)

	var events []Event
	eventName := ""
	for scanner.Scan() {
		kind, payload := classifyLine(scanner.Text())
		switch kind {
		case lineEvent:
			eventName = payload
		case lineData:
			data, ok := decodeData(payload)
			if !ok {
				continue
			}
			if cfg.Collector != nil {
				cfg.Collector.ProcessChunk(data)
			}
			events = append(events, Event{Name: eventName, Data: data})
			eventName = ""
		case lineBlank:
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, fmt.Errorf("upstream stream read failed: %w", err)
	}

	assembled, err := assemble(events)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to assemble buffered stream: %w", err)
	}

	converted, err := h.registry.ConvertResponse(cfg.Chain, assembled, false)
	if err != nil {
		return 0, nil, err
	}

	h.finishStream(ctx, cfg)
	return http.StatusOK, converted, nil
}

// writeConvertedError converts an upstream error body through the reverse
// chain and writes it as a plain JSON response.
func (h *Handler) writeConvertedError(w http.ResponseWriter, resp *http.Response, cfg Config) error {
	body, err := h.convertErrorBody(resp, cfg)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(encoded)
	return nil
}

func (h *Handler) convertErrorBody(resp *http.Response, cfg Config) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream error body: %w", err)
	}
	body, decodeErr := formats.Decode(raw)
	if decodeErr != nil {
		return map[string]any{"error": map[string]any{
			"message": string(raw),
			"type":    "server_error",
		}}, nil
	}
	converted, err := h.registry.ConvertResponse(cfg.Chain, body, true)
	if err != nil {
		return nil, err
	}
	return converted, nil
}

// clientGone handles a mid-stream client disconnect. Detaching the listener
// interrupts the upstream session; the producer emits stream_end on its way
// out.
func (h *Handler) clientGone(ctx context.Context, cfg Config, err error) error {
	slog.DebugContext(ctx, "client disconnected mid-stream",
		"request_id", cfg.RequestID, "error", err)
	return nil
}

// finishStream prices the collected metrics and emits stream_end.
func (h *Handler) finishStream(ctx context.Context, cfg Config) {
	var metrics *hooks.StreamMetrics
	if cfg.Collector != nil {
		m := cfg.Collector.Metrics()
		if h.pricing != nil && m.Model != "" {
			if cost, ok := h.pricing(cfg.Provider, m.Model, m); ok {
				m.CostUSD = &cost
			}
		}
		metrics = &m
	}
	h.emit(ctx, hooks.EventStreamEnd, cfg, metrics)
}

func (h *Handler) emit(ctx context.Context, eventType hooks.EventType, cfg Config, metrics *hooks.StreamMetrics) {
	if h.bus == nil {
		return
	}
	h.bus.Emit(ctx, hooks.Event{
		Type:      eventType,
		Provider:  cfg.Provider,
		RequestID: cfg.RequestID,
		Time:      time.Now(),
		Metrics:   metrics,
	})
}

func streamErrorEvent(err error) string {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "server_error",
		},
	})
	return string(body)
}
