package streaming

import (
	"ccproxy-hq/ccproxy/pkg/hooks"
)

// Collector extracts usage metrics from a provider's SSE events.
// ProcessChunk reports true once the final chunk with complete metrics has
// been seen.
type Collector interface {
	ProcessChunk(data map[string]any) bool
	Metrics() hooks.StreamMetrics
}

// AnthropicCollector reads Messages streams: identity and input tokens from
// message_start, output tokens from message_delta.
type AnthropicCollector struct {
	metrics hooks.StreamMetrics
}

// NewAnthropicCollector returns an empty collector.
func NewAnthropicCollector() *AnthropicCollector { return &AnthropicCollector{} }

func (c *AnthropicCollector) ProcessChunk(data map[string]any) bool {
	switch data["type"] {
	case "message_start":
		message, _ := data["message"].(map[string]any)
		if model, ok := message["model"].(string); ok {
			c.metrics.Model = model
		}
		if usage, ok := message["usage"].(map[string]any); ok {
			c.metrics.TokensInput = intField(usage, "input_tokens")
			c.metrics.CacheReadTokens = intField(usage, "cache_read_input_tokens")
			c.metrics.CacheWriteTokens = intField(usage, "cache_creation_input_tokens")
		}

	case "message_delta":
		if usage, ok := data["usage"].(map[string]any); ok {
			if out := intField(usage, "output_tokens"); out != nil {
				c.metrics.TokensOutput = out
				return true
			}
		}
	}
	return false
}

func (c *AnthropicCollector) Metrics() hooks.StreamMetrics { return c.metrics }

// OpenAICollector reads Chat Completions and Codex Responses streams: usage
// arrives on the terminal chunk with non-null usage, or on the Codex
// response.completed event.
type OpenAICollector struct {
	metrics hooks.StreamMetrics
}

// NewOpenAICollector returns an empty collector.
func NewOpenAICollector() *OpenAICollector { return &OpenAICollector{} }

func (c *OpenAICollector) ProcessChunk(data map[string]any) bool {
	// Codex Responses event: the completed frame nests the response object.
	if eventType, _ := data["type"].(string); eventType == "response.completed" {
		response, _ := data["response"].(map[string]any)
		if model, ok := response["model"].(string); ok {
			c.metrics.Model = model
		}
		if usage, ok := response["usage"].(map[string]any); ok {
			c.readResponsesUsage(usage)
			return true
		}
		return false
	}

	if model, ok := data["model"].(string); ok && c.metrics.Model == "" {
		c.metrics.Model = model
	}

	usage, ok := data["usage"].(map[string]any)
	if !ok || usage == nil {
		return false
	}
	c.metrics.TokensInput = intField(usage, "prompt_tokens")
	c.metrics.TokensOutput = intField(usage, "completion_tokens")
	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		c.metrics.CacheReadTokens = intField(details, "cached_tokens")
	}
	if details, ok := usage["completion_tokens_details"].(map[string]any); ok {
		c.metrics.ReasoningTokens = intField(details, "reasoning_tokens")
	}
	return c.metrics.TokensInput != nil || c.metrics.TokensOutput != nil
}

// readResponsesUsage decodes the Responses-API usage shape.
func (c *OpenAICollector) readResponsesUsage(usage map[string]any) {
	c.metrics.TokensInput = intField(usage, "input_tokens")
	c.metrics.TokensOutput = intField(usage, "output_tokens")
	if details, ok := usage["input_tokens_details"].(map[string]any); ok {
		c.metrics.CacheReadTokens = intField(details, "cached_tokens")
	}
	if details, ok := usage["output_tokens_details"].(map[string]any); ok {
		c.metrics.ReasoningTokens = intField(details, "reasoning_tokens")
	}
}

func (c *OpenAICollector) Metrics() hooks.StreamMetrics { return c.metrics }

func intField(m map[string]any, key string) *int {
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	}
	return nil
}
