package formats

import "fmt"

// Block is one content block in an Anthropic-shaped message, modeled as a
// tagged sum. Unknown block types are carried as passthrough so payloads
// survive round trips through dialects we only partially understand.
type Block struct {
	// Type discriminates the variant: text, tool_use, tool_result, image,
	// thinking, or anything future.
	Type string

	// Text holds text and thinking content.
	Text string

	// ID and Name identify a tool_use block; Input is its arguments.
	ID    string
	Name  string
	Input map[string]any

	// ToolUseID links a tool_result to its tool_use; Content is the result
	// payload (string or nested blocks); IsError flags a failed call.
	ToolUseID string
	Content   any
	IsError   bool

	// Source is an image block's source descriptor.
	Source map[string]any

	// CacheControl carries the block's cache marker when present.
	CacheControl map[string]any

	// Extra preserves keys the variant fields do not model, including the
	// whole body of unknown block types.
	Extra map[string]any
}

// ParseBlock decodes one raw block map into the tagged form.
func ParseBlock(raw map[string]any) Block {
	b := Block{Extra: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "type":
			b.Type, _ = v.(string)
		case "text", "thinking":
			if s, ok := v.(string); ok {
				b.Text = s
			} else {
				b.Extra[k] = v
			}
		case "id":
			b.ID, _ = v.(string)
		case "name":
			b.Name, _ = v.(string)
		case "input":
			b.Input, _ = v.(map[string]any)
		case "tool_use_id":
			b.ToolUseID, _ = v.(string)
		case "content":
			b.Content = v
		case "is_error":
			b.IsError, _ = v.(bool)
		case "source":
			b.Source, _ = v.(map[string]any)
		case "cache_control":
			b.CacheControl, _ = v.(map[string]any)
		default:
			b.Extra[k] = v
		}
	}
	return b
}

// ParseBlocks decodes a content value: a bare string becomes a single text
// block, an array is decoded element-wise.
func ParseBlocks(content any) ([]Block, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		return []Block{{Type: "text", Text: v}}, nil
	case []any:
		blocks := make([]Block, 0, len(v))
		for _, item := range v {
			raw, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("content block is %T, want object", item)
			}
			blocks = append(blocks, ParseBlock(raw))
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("content is %T, want string or array", content)
	}
}

// Map re-serialises the block, emitting variant fields for known types and
// restoring passthrough keys.
func (b Block) Map() map[string]any {
	out := make(map[string]any, len(b.Extra)+4)
	for k, v := range b.Extra {
		out[k] = v
	}
	out["type"] = b.Type

	switch b.Type {
	case "text":
		out["text"] = b.Text
	case "thinking":
		out["thinking"] = b.Text
	case "tool_use":
		out["id"] = b.ID
		out["name"] = b.Name
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		out["input"] = input
	case "tool_result":
		out["tool_use_id"] = b.ToolUseID
		if b.Content != nil {
			out["content"] = b.Content
		}
		if b.IsError {
			out["is_error"] = true
		}
	case "image":
		out["source"] = b.Source
	}

	if b.CacheControl != nil {
		out["cache_control"] = b.CacheControl
	}
	return out
}

// FlatText extracts the concatenated text of a tool_result content value,
// which may be a string or an array of text blocks.
func FlatText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, item := range v {
			if raw, ok := item.(map[string]any); ok {
				if s, ok := raw["text"].(string); ok {
					out += s
				}
			}
		}
		return out
	}
	return ""
}
