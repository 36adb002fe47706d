package formats

// NewDefaultRegistry returns a registry with the built-in adapters. Both
// directions of the OpenAI/Anthropic pair are registered independently.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(OpenAIToAnthropic{})
	r.Register(AnthropicToOpenAI{})
	return r
}
