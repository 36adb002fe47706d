package hooks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a pipeline stage observed through the bus.
type EventType string

const (
	// EventRequestStart fires when the adapter begins processing a request.
	EventRequestStart EventType = "request_start"

	// EventRequestEnd fires after the response has been written, successful
	// or not.
	EventRequestEnd EventType = "request_end"

	// EventStreamStart fires before the first streaming chunk is sent to the
	// client.
	EventStreamStart EventType = "stream_start"

	// EventStreamChunk fires after each chunk reaches the client.
	EventStreamChunk EventType = "stream_chunk"

	// EventStreamEnd fires when the stream completes, carrying the filled
	// streaming metrics.
	EventStreamEnd EventType = "stream_end"

	// EventAuthRefresh fires after a token manager refresh attempt.
	EventAuthRefresh EventType = "auth_refresh"
)

// StreamMetrics is the usage/cost side channel filled by the provider
// specific collectors as SSE events pass through the streaming handler.
// Pointer fields are nil until the corresponding value has been observed.
type StreamMetrics struct {
	// Model is the model reported by the upstream, when learned.
	Model string

	// TokensInput is the prompt token count.
	TokensInput *int

	// TokensOutput is the completion token count.
	TokensOutput *int

	// CacheReadTokens is the number of prompt tokens served from the
	// provider's prefix cache.
	CacheReadTokens *int

	// CacheWriteTokens is the number of prompt tokens written to the
	// provider's prefix cache.
	CacheWriteTokens *int

	// ReasoningTokens is the number of hidden reasoning tokens, when the
	// upstream reports them.
	ReasoningTokens *int

	// CostUSD is the computed cost, when the model is known and a pricing
	// service is configured.
	CostUSD *float64
}

// Event is a single observation delivered to every registered observer.
type Event struct {
	// Type identifies the pipeline stage.
	Type EventType

	// Time is when the event was emitted.
	Time time.Time

	// RequestID correlates events belonging to one client request.
	RequestID string

	// Provider is the upstream provider name ("claude", "codex", "copilot").
	Provider string

	// Endpoint is the ingress route path.
	Endpoint string

	// Model is the requested model, when known.
	Model string

	// Status is the HTTP status returned to the client (request_end only).
	Status int

	// Latency is the total request duration (request_end / stream_end).
	Latency time.Duration

	// ChunkBytes is the size of the chunk just delivered (stream_chunk only).
	ChunkBytes int

	// Metrics carries the streaming usage record (stream_end only).
	Metrics *StreamMetrics

	// Err is the terminal error, when the stage failed.
	Err error
}

// Observer receives events from the bus. Implementations must be fast and
// must not block; slow work belongs behind the observer's own queue.
type Observer interface {
	// Name identifies the observer in logs.
	Name() string

	// OnEvent handles one event. Panics are recovered by the bus.
	OnEvent(ctx context.Context, ev Event)
}

// Bus fans out pipeline events to registered observers. Registration is
// serialized by a mutex; emission reads an atomic snapshot and holds no lock.
type Bus struct {
	mu        sync.Mutex
	observers atomic.Value // []Observer
}

// NewBus creates an empty hook bus.
func NewBus() *Bus {
	b := &Bus{}
	b.observers.Store([]Observer{})
	return b
}

// Subscribe registers an observer. Observers cannot be removed; the bus lives
// for the process.
func (b *Bus) Subscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.observers.Load().([]Observer)
	next := make([]Observer, len(current), len(current)+1)
	copy(next, current)
	next = append(next, obs)
	b.observers.Store(next)
}

// Emit delivers the event to every observer in registration order. A panic
// in one observer is logged and does not affect the others.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	for _, obs := range b.observers.Load().([]Observer) {
		b.dispatch(ctx, obs, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, obs Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "hook observer panicked",
				"observer", obs.Name(),
				"event", string(ev.Type),
				"panic", r,
			)
		}
	}()

	obs.OnEvent(ctx, ev)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	// ObserverName is returned by Name.
	ObserverName string

	// Fn is invoked for every event.
	Fn func(ctx context.Context, ev Event)
}

// Name implements Observer.
func (o ObserverFunc) Name() string { return o.ObserverName }

// OnEvent implements Observer.
func (o ObserverFunc) OnEvent(ctx context.Context, ev Event) { o.Fn(ctx, ev) }
