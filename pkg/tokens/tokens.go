// Package tokens estimates prompt sizes for window enforcement. Exact
// counts come from tiktoken when an encoding is available for the model;
// otherwise a chars/4 heuristic with fixed per-message overheads applies.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message framing overheads, matching what the upstream tokenizers
// charge around message content.
const (
	openAIMessageOverhead    = 4
	anthropicMessageOverhead = 3
	imageBlockOverhead       = 85
	primingOverhead          = 2
)

// Style selects the per-message overhead model.
type Style int

const (
	// StyleOpenAI covers Chat Completions and Responses payloads.
	StyleOpenAI Style = iota

	// StyleAnthropic covers Messages payloads.
	StyleAnthropic
)

// Message is the counter's view of one chat message: concatenated text plus
// the number of image blocks.
type Message struct {
	Role   string
	Text   string
	Images int
}

// Counter counts tokens for a model, caching tiktoken encoders per encoding.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	missing  map[string]bool
}

// NewCounter returns a ready Counter.
func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		missing:  make(map[string]bool),
	}
}

// encoderFor resolves the tiktoken encoder for a model, nil when the model
// has no known encoding (Anthropic ids, unreleased OpenAI ids).
func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	if c.missing[model] {
		return nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		c.missing[model] = true
		return nil
	}
	c.encoders[model] = enc
	return enc
}

// CountText counts the tokens of a single string.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approxTokens(text)
}

// CountMessages counts a message list including framing overheads: the
// per-message charge for the style, a fixed charge per image block, and the
// assistant priming charge.
func (c *Counter) CountMessages(style Style, model string, msgs []Message) int {
	perMessage := openAIMessageOverhead
	if style == StyleAnthropic {
		perMessage = anthropicMessageOverhead
	}

	total := primingOverhead
	for _, m := range msgs {
		total += perMessage
		total += c.CountText(model, m.Role)
		total += c.CountText(model, m.Text)
		total += m.Images * imageBlockOverhead
	}
	return total
}

// approxTokens is the ceil(chars/4) fallback.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
