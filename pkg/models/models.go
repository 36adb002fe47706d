// Package models holds the model card registry: per-model context windows,
// capability flags, and pricing, refreshed periodically from a public card
// feed with an on-disk cache for cold starts.
package models

import (
	"fmt"
	"strings"
)

// Card describes one model's limits, capabilities, and pricing. The JSON
// layout mirrors the public card feed so the feed unmarshals directly.
type Card struct {
	// ID is the model identifier as requests name it.
	ID string `json:"-"`

	// Provider tags which upstream serves the model.
	Provider string `json:"litellm_provider,omitempty"`

	// MaxTokens is the combined window when the feed reports only one number.
	MaxTokens int `json:"max_tokens,omitempty"`

	// MaxInputTokens bounds counted prompt tokens.
	MaxInputTokens int `json:"max_input_tokens,omitempty"`

	// MaxOutputTokens bounds the requested max_tokens.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	SupportsVision          bool `json:"supports_vision,omitempty"`
	SupportsFunctionCalling bool `json:"supports_function_calling,omitempty"`
	SupportsResponseSchema  bool `json:"supports_response_schema,omitempty"`

	// Costs are USD per token.
	InputCostPerToken      float64 `json:"input_cost_per_token,omitempty"`
	OutputCostPerToken     float64 `json:"output_cost_per_token,omitempty"`
	CacheReadCostPerToken  float64 `json:"cache_read_input_token_cost,omitempty"`
	CacheWriteCostPerToken float64 `json:"cache_creation_input_token_cost,omitempty"`
}

// InputWindow resolves the effective input limit: the explicit input bound
// when stamped, otherwise the combined window.
func (c *Card) InputWindow() int {
	if c.MaxInputTokens > 0 {
		return c.MaxInputTokens
	}
	return c.MaxTokens
}

// OutputWindow resolves the effective output limit.
func (c *Card) OutputWindow() int {
	if c.MaxOutputTokens > 0 {
		return c.MaxOutputTokens
	}
	return c.MaxTokens
}

// Usage is a token usage breakdown priced by Cost.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Cost prices a usage record in USD against the card's rates. Cache reads are
// billed at the cache rate and excluded from the input rate when the feed
// prices them separately.
func (c *Card) Cost(u Usage) float64 {
	input := u.InputTokens
	cost := 0.0
	if c.CacheReadCostPerToken > 0 && u.CacheReadTokens > 0 {
		cost += float64(u.CacheReadTokens) * c.CacheReadCostPerToken
		if input >= u.CacheReadTokens {
			input -= u.CacheReadTokens
		}
	}
	cost += float64(input) * c.InputCostPerToken
	cost += float64(u.OutputTokens) * c.OutputCostPerToken
	if c.CacheWriteCostPerToken > 0 {
		cost += float64(u.CacheWriteTokens) * c.CacheWriteCostPerToken
	}
	return cost
}

// UnknownModelError reports a lookup miss.
type UnknownModelError struct {
	Provider string
	Model    string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q for provider %q", e.Model, e.Provider)
}

// normalizeID strips feed-style provider prefixes ("anthropic/claude-...")
// so lookups succeed on the bare identifier clients send.
func normalizeID(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}
