// Package formats translates chat payloads between wire dialects. A route
// declares an ordered dialect chain; requests walk the chain forward and
// responses walk it in reverse, each hop served by a registered adapter.
package formats

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// Dialect names a wire format.
type Dialect string

const (
	OpenAIChatCompletions Dialect = "openai.chat_completions"
	OpenAIResponses       Dialect = "openai.responses"
	AnthropicMessages     Dialect = "anthropic.messages"
	CodexResponses        Dialect = "codex.responses"
	CopilotChat           Dialect = "copilot.chat_completions"
)

// Adapter converts payloads from one dialect to an adjacent one. Adapters
// never mutate their input and preserve unknown keys where the target
// dialect permits.
type Adapter interface {
	From() Dialect
	To() Dialect

	ConvertRequest(body map[string]any) (map[string]any, error)
	ConvertResponse(body map[string]any) (map[string]any, error)
	ConvertError(body map[string]any) (map[string]any, error)
}

// StreamAdapter is implemented by adapters that can also translate SSE
// events. Conversion is stateful per stream, so the adapter hands out a
// fresh converter for each one.
type StreamAdapter interface {
	Adapter
	NewStreamConverter() StreamConverter
}

// StreamConverter translates one stream's decoded SSE events. One source
// event may expand to zero or more target events.
type StreamConverter interface {
	Convert(event map[string]any) ([]map[string]any, error)
}

// AdapterMissingError reports a registry miss for a chain hop. The caller
// maps it to a 5xx since a route with a broken chain is a deployment bug,
// not a client error.
type AdapterMissingError struct {
	From Dialect
	To   Dialect
}

func (e *AdapterMissingError) Error() string {
	return fmt.Sprintf("no format adapter registered for %s -> %s", e.From, e.To)
}

// ConversionError wraps an adapter failure with the hop that produced it.
type ConversionError struct {
	From  Dialect
	To    Dialect
	Stage string
	Cause error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s conversion %s -> %s failed: %v", e.Stage, e.From, e.To, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// Registry maps (from, to) pairs to adapters. Directions are independent:
// registering A->B says nothing about B->A.
type Registry struct {
	mu       sync.RWMutex
	adapters map[[2]Dialect]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[[2]Dialect]Adapter)}
}

// Register stores an adapter under its (from, to) pair, replacing any
// previous registration.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[[2]Dialect{a.From(), a.To()}] = a
}

// Lookup returns the adapter for the pair.
func (r *Registry) Lookup(from, to Dialect) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[[2]Dialect{from, to}]; ok {
		return a, nil
	}
	return nil, &AdapterMissingError{From: from, To: to}
}

// StreamLookup returns the streaming-capable adapter for the pair, or
// (nil, false) when the registered adapter does not translate streams.
// A registry miss also reports false: absent streaming adapters mean
// passthrough, not failure.
func (r *Registry) StreamLookup(from, to Dialect) (StreamAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[[2]Dialect{from, to}]
	if !ok {
		return nil, false
	}
	sa, ok := a.(StreamAdapter)
	return sa, ok
}

// ConvertRequest walks the chain forward: hop i applies the adapter
// (chain[i], chain[i+1]).
func (r *Registry) ConvertRequest(chain []Dialect, body map[string]any) (map[string]any, error) {
	for i := 0; i+1 < len(chain); i++ {
		a, err := r.Lookup(chain[i], chain[i+1])
		if err != nil {
			return nil, err
		}
		body, err = a.ConvertRequest(body)
		if err != nil {
			return nil, &ConversionError{From: chain[i], To: chain[i+1], Stage: "request", Cause: err}
		}
	}
	return body, nil
}

// ConvertResponse walks the chain in reverse: hop i applies the adapter
// (chain[i+1], chain[i]). isError selects ConvertError for upstream 4xx/5xx
// bodies.
func (r *Registry) ConvertResponse(chain []Dialect, body map[string]any, isError bool) (map[string]any, error) {
	for i := len(chain) - 2; i >= 0; i-- {
		a, err := r.Lookup(chain[i+1], chain[i])
		if err != nil {
			return nil, err
		}
		stage := "response"
		if isError {
			stage = "error"
			body, err = a.ConvertError(body)
		} else {
			body, err = a.ConvertResponse(body)
		}
		if err != nil {
			return nil, &ConversionError{From: chain[i+1], To: chain[i], Stage: stage, Cause: err}
		}
	}
	return body, nil
}

// StreamPipeline applies the reverse chain's streaming converters to one
// stream's events. Hops without a streaming adapter pass events through.
type StreamPipeline struct {
	hops []streamHop
	done Dialect
}

type streamHop struct {
	from, to  Dialect
	converter StreamConverter
}

// NewStreamPipeline builds a per-stream conversion pipeline for the chain.
// The second return is false when no hop converts, meaning raw SSE bytes can
// be piped through untouched.
func (r *Registry) NewStreamPipeline(chain []Dialect) (*StreamPipeline, bool) {
	p := &StreamPipeline{}
	if len(chain) > 0 {
		p.done = chain[0]
	}
	for i := len(chain) - 2; i >= 0; i-- {
		sa, ok := r.StreamLookup(chain[i+1], chain[i])
		if !ok {
			continue
		}
		p.hops = append(p.hops, streamHop{from: chain[i+1], to: chain[i], converter: sa.NewStreamConverter()})
	}
	return p, len(p.hops) > 0
}

// Convert runs one decoded event through every hop in order.
func (p *StreamPipeline) Convert(event map[string]any) ([]map[string]any, error) {
	events := []map[string]any{event}
	for _, hop := range p.hops {
		next := make([]map[string]any, 0, len(events))
		for _, ev := range events {
			out, err := hop.converter.Convert(ev)
			if err != nil {
				return nil, &ConversionError{From: hop.from, To: hop.to, Stage: "stream", Cause: err}
			}
			next = append(next, out...)
		}
		events = next
	}
	return events, nil
}

// EmitsDone reports whether the client-side dialect terminates streams with
// a data: [DONE] sentinel, so converted streams can append one on EOF.
func (p *StreamPipeline) EmitsDone() bool {
	switch p.done {
	case OpenAIChatCompletions, CopilotChat:
		return true
	}
	return false
}

// composed is a synthetic adapter equivalent to walking a whole chain.
type composed struct {
	registry *Registry
	chain    []Dialect
}

// Compose returns a single adapter equivalent to the chain. The chain must
// have at least two dialects.
func (r *Registry) Compose(chain []Dialect) (Adapter, error) {
	if len(chain) < 2 {
		return nil, fmt.Errorf("format chain needs at least two dialects, got %d", len(chain))
	}
	// Validate the forward direction eagerly; reverse hops may legitimately
	// be absent until a response arrives.
	for i := 0; i+1 < len(chain); i++ {
		if _, err := r.Lookup(chain[i], chain[i+1]); err != nil {
			return nil, err
		}
	}
	return &composed{registry: r, chain: chain}, nil
}

func (c *composed) From() Dialect { return c.chain[0] }
func (c *composed) To() Dialect   { return c.chain[len(c.chain)-1] }

func (c *composed) ConvertRequest(body map[string]any) (map[string]any, error) {
	return c.registry.ConvertRequest(c.chain, body)
}

func (c *composed) ConvertResponse(body map[string]any) (map[string]any, error) {
	return c.registry.ConvertResponse(c.chain, body, false)
}

func (c *composed) ConvertError(body map[string]any) (map[string]any, error) {
	return c.registry.ConvertResponse(c.chain, body, true)
}

// Decode parses payload bytes into the generic form adapters consume.
func Decode(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serialises an adapter result back to bytes.
func Encode(body map[string]any) ([]byte, error) {
	return json.Marshal(body)
}
