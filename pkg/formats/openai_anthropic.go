package formats

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// defaultMaxTokens applies when an OpenAI request omits max_tokens; the
// Anthropic dialect makes the field mandatory.
const defaultMaxTokens = 4096

// openAIRequestKeys are the top-level keys the request conversion consumes;
// everything else passes through.
var openAIRequestKeys = map[string]bool{
	"messages": true, "max_tokens": true, "max_completion_tokens": true,
	"stop": true, "tools": true, "tool_choice": true,
	"n": true, "logprobs": true, "top_logprobs": true,
	"presence_penalty": true, "frequency_penalty": true,
	"logit_bias": true, "response_format": true, "user": true,
}

// OpenAIToAnthropic converts openai.chat_completions payloads into
// anthropic.messages payloads.
type OpenAIToAnthropic struct{}

func (OpenAIToAnthropic) From() Dialect { return OpenAIChatCompletions }
func (OpenAIToAnthropic) To() Dialect   { return AnthropicMessages }

// ConvertRequest maps an OpenAI chat request onto the Messages dialect:
// system messages merge into the system field, tool calls and tool results
// become content blocks, tools are reshaped, and unknown keys pass through.
func (OpenAIToAnthropic) ConvertRequest(body map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if !openAIRequestKeys[k] {
			out[k] = v
		}
	}

	rawMsgs, ok := body["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("messages is %T, want array", body["messages"])
	}

	var system []string
	var messages []map[string]any

	appendContent := func(role string, blocks []any) {
		// Consecutive same-role turns merge: the Messages dialect requires
		// strict user/assistant alternation.
		if n := len(messages); n > 0 && messages[n-1]["role"] == role {
			prev := messages[n-1]["content"].([]any)
			messages[n-1]["content"] = append(prev, blocks...)
			return
		}
		messages = append(messages, map[string]any{"role": role, "content": blocks})
	}

	for _, rawMsg := range rawMsgs {
		msg, ok := rawMsg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message is %T, want object", rawMsg)
		}
		role, _ := msg["role"].(string)

		switch role {
		case "system", "developer":
			system = append(system, contentText(msg["content"]))

		case "tool":
			id, _ := msg["tool_call_id"].(string)
			block := Block{Type: "tool_result", ToolUseID: id, Content: contentText(msg["content"])}
			appendContent("user", []any{block.Map()})

		case "assistant":
			var blocks []any
			if text := contentText(msg["content"]); text != "" {
				blocks = append(blocks, Block{Type: "text", Text: text}.Map())
			}
			if calls, ok := msg["tool_calls"].([]any); ok {
				for _, rawCall := range calls {
					call, ok := rawCall.(map[string]any)
					if !ok {
						continue
					}
					blocks = append(blocks, toolCallToBlock(call).Map())
				}
			}
			if len(blocks) == 0 {
				blocks = append(blocks, Block{Type: "text", Text: ""}.Map())
			}
			appendContent("assistant", blocks)

		case "user":
			blocks, err := userContentBlocks(msg["content"])
			if err != nil {
				return nil, err
			}
			appendContent("user", blocks)

		default:
			return nil, fmt.Errorf("unsupported message role %q", role)
		}
	}

	if len(system) > 0 {
		out["system"] = strings.Join(system, "\n\n")
	}
	out["messages"] = messages

	switch {
	case body["max_tokens"] != nil:
		out["max_tokens"] = body["max_tokens"]
	case body["max_completion_tokens"] != nil:
		out["max_tokens"] = body["max_completion_tokens"]
	default:
		out["max_tokens"] = defaultMaxTokens
	}

	if stop := body["stop"]; stop != nil {
		switch v := stop.(type) {
		case string:
			out["stop_sequences"] = []any{v}
		case []any:
			out["stop_sequences"] = v
		}
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		converted := make([]any, 0, len(tools))
		for _, rawTool := range tools {
			tool, ok := rawTool.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tool["function"].(map[string]any)
			if fn == nil {
				continue
			}
			t := map[string]any{"name": fn["name"]}
			if desc, ok := fn["description"]; ok {
				t["description"] = desc
			}
			if params, ok := fn["parameters"]; ok {
				t["input_schema"] = params
			} else {
				t["input_schema"] = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			converted = append(converted, t)
		}
		out["tools"] = converted

		if choice := convertToolChoice(body["tool_choice"]); choice != nil {
			out["tool_choice"] = choice
		}
	}

	return out, nil
}

// ConvertResponse maps an OpenAI chat completion into a Messages response.
func (OpenAIToAnthropic) ConvertResponse(body map[string]any) (map[string]any, error) {
	choices, _ := body["choices"].([]any)
	if len(choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)

	var content []any
	if text, ok := message["content"].(string); ok && text != "" {
		content = append(content, Block{Type: "text", Text: text}.Map())
	}
	if calls, ok := message["tool_calls"].([]any); ok {
		for _, rawCall := range calls {
			if call, ok := rawCall.(map[string]any); ok {
				content = append(content, toolCallToBlock(call).Map())
			}
		}
	}

	id, _ := body["id"].(string)
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	out := map[string]any{
		"id":          id,
		"type":        "message",
		"role":        "assistant",
		"model":       body["model"],
		"content":     content,
		"stop_reason": finishReasonToStopReason(choice["finish_reason"]),
	}

	if usage, ok := body["usage"].(map[string]any); ok {
		u := map[string]any{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
		}
		if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
			if cached, ok := details["cached_tokens"]; ok {
				u["cache_read_input_tokens"] = cached
			}
		}
		out["usage"] = u
	}

	return out, nil
}

// ConvertError wraps an OpenAI error body in the Anthropic error envelope.
func (OpenAIToAnthropic) ConvertError(body map[string]any) (map[string]any, error) {
	inner, _ := body["error"].(map[string]any)
	message, _ := inner["message"].(string)
	if message == "" {
		message = "upstream error"
	}
	errType, _ := inner["type"].(string)

	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    openAIErrTypeToAnthropic(errType),
			"message": message,
		},
	}, nil
}

// AnthropicToOpenAI converts anthropic.messages payloads into
// openai.chat_completions payloads. It also carries the streaming
// conversion for Messages SSE events.
type AnthropicToOpenAI struct{}

func (AnthropicToOpenAI) From() Dialect { return AnthropicMessages }
func (AnthropicToOpenAI) To() Dialect   { return OpenAIChatCompletions }

// anthropicRequestKeys are consumed by the request conversion.
var anthropicRequestKeys = map[string]bool{
	"system": true, "messages": true, "stop_sequences": true,
	"tools": true, "tool_choice": true, "metadata": true,
	"anthropic_version": true, "thinking": true,
}

// ConvertRequest maps a Messages request onto the OpenAI chat shape.
func (AnthropicToOpenAI) ConvertRequest(body map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if !anthropicRequestKeys[k] {
			out[k] = v
		}
	}

	var messages []any
	if system := body["system"]; system != nil {
		messages = append(messages, map[string]any{"role": "system", "content": systemText(system)})
	}

	rawMsgs, ok := body["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("messages is %T, want array", body["messages"])
	}

	for _, rawMsg := range rawMsgs {
		msg, ok := rawMsg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message is %T, want object", rawMsg)
		}
		role, _ := msg["role"].(string)

		blocks, err := ParseBlocks(msg["content"])
		if err != nil {
			return nil, err
		}

		var text strings.Builder
		var toolCalls []any
		for _, b := range blocks {
			switch b.Type {
			case "text":
				text.WriteString(b.Text)
			case "tool_use":
				args, err := json.Marshal(b.Input)
				if err != nil {
					return nil, err
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   b.ID,
					"type": "function",
					"function": map[string]any{
						"name":      b.Name,
						"arguments": string(args),
					},
				})
			case "tool_result":
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": b.ToolUseID,
					"content":      FlatText(b.Content),
				})
			case "image":
				// Image blocks reshape into the OpenAI parts form; mixed
				// text+image turns re-emit the text as a part too.
				parts := []any{}
				if text.Len() > 0 {
					parts = append(parts, map[string]any{"type": "text", "text": text.String()})
					text.Reset()
				}
				parts = append(parts, imageBlockToPart(b))
				messages = append(messages, map[string]any{"role": role, "content": parts})
			}
		}

		if text.Len() > 0 || len(toolCalls) > 0 {
			m := map[string]any{"role": role, "content": text.String()}
			if len(toolCalls) > 0 {
				m["tool_calls"] = toolCalls
			}
			messages = append(messages, m)
		}
	}
	out["messages"] = messages

	if stop, ok := body["stop_sequences"].([]any); ok && len(stop) > 0 {
		out["stop"] = stop
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		converted := make([]any, 0, len(tools))
		for _, rawTool := range tools {
			tool, ok := rawTool.(map[string]any)
			if !ok {
				continue
			}
			fn := map[string]any{"name": tool["name"]}
			if desc, ok := tool["description"]; ok {
				fn["description"] = desc
			}
			if schema, ok := tool["input_schema"]; ok {
				fn["parameters"] = schema
			}
			converted = append(converted, map[string]any{"type": "function", "function": fn})
		}
		out["tools"] = converted
	}

	return out, nil
}

// ConvertResponse maps a Messages response onto the chat completion shape.
func (AnthropicToOpenAI) ConvertResponse(body map[string]any) (map[string]any, error) {
	blocks, err := ParseBlocks(body["content"])
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var toolCalls []any
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": string(args),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	id, _ := body["id"].(string)
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   body["model"],
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": stopReasonToFinishReason(body["stop_reason"]),
		}},
	}

	if usage, ok := body["usage"].(map[string]any); ok {
		out["usage"] = anthropicUsageToOpenAI(usage)
	}

	return out, nil
}

// ConvertError unwraps the Anthropic error envelope into OpenAI shape.
func (AnthropicToOpenAI) ConvertError(body map[string]any) (map[string]any, error) {
	inner, _ := body["error"].(map[string]any)
	message, _ := inner["message"].(string)
	if message == "" {
		message = "upstream error"
	}
	errType, _ := inner["type"].(string)

	e := map[string]any{
		"message": message,
		"type":    anthropicErrTypeToOpenAI(errType),
	}
	if errType != "" {
		e["code"] = errType
	}
	return map[string]any{"error": e}, nil
}

// NewStreamConverter implements StreamAdapter.
func (AnthropicToOpenAI) NewStreamConverter() StreamConverter {
	return &anthropicStreamConverter{created: time.Now().Unix()}
}

// anthropicStreamConverter rewrites Messages SSE events as chat.completion
// chunks, carrying per-stream identity and usage across events.
type anthropicStreamConverter struct {
	id          string
	model       string
	created     int64
	inputTokens any
}

func (c *anthropicStreamConverter) chunk(delta map[string]any, finish any) map[string]any {
	return map[string]any{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": c.created,
		"model":   c.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
}

func (c *anthropicStreamConverter) Convert(event map[string]any) ([]map[string]any, error) {
	eventType, _ := event["type"].(string)

	switch eventType {
	case "message_start":
		message, _ := event["message"].(map[string]any)
		c.id, _ = message["id"].(string)
		c.model, _ = message["model"].(string)
		if usage, ok := message["usage"].(map[string]any); ok {
			c.inputTokens = usage["input_tokens"]
		}
		return []map[string]any{c.chunk(map[string]any{"role": "assistant", "content": ""}, nil)}, nil

	case "content_block_start":
		block, _ := event["content_block"].(map[string]any)
		if blockType, _ := block["type"].(string); blockType != "tool_use" {
			return nil, nil
		}
		index, _ := numberValue(event["index"])
		return []map[string]any{c.chunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index": index,
				"id":    block["id"],
				"type":  "function",
				"function": map[string]any{
					"name":      block["name"],
					"arguments": "",
				},
			}},
		}, nil)}, nil

	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		switch deltaType, _ := delta["type"].(string); deltaType {
		case "text_delta":
			return []map[string]any{c.chunk(map[string]any{"content": delta["text"]}, nil)}, nil
		case "input_json_delta":
			index, _ := numberValue(event["index"])
			return []map[string]any{c.chunk(map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    index,
					"function": map[string]any{"arguments": delta["partial_json"]},
				}},
			}, nil)}, nil
		}
		return nil, nil

	case "message_delta":
		delta, _ := event["delta"].(map[string]any)
		out := c.chunk(map[string]any{}, stopReasonToFinishReason(delta["stop_reason"]))
		if usage, ok := event["usage"].(map[string]any); ok {
			merged := map[string]any{
				"prompt_tokens":     c.inputTokens,
				"completion_tokens": usage["output_tokens"],
			}
			if in, ok := numberValue(c.inputTokens); ok {
				if outTok, ok := numberValue(usage["output_tokens"]); ok {
					merged["total_tokens"] = in + outTok
				}
			}
			out["usage"] = merged
		}
		return []map[string]any{out}, nil

	case "message_stop", "content_block_stop", "ping":
		return nil, nil
	}

	// Unknown event types pass through untouched.
	return []map[string]any{event}, nil
}

// contentText flattens OpenAI message content (string or parts array) to
// plain text, ignoring non-text parts.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if partType, _ := part["type"].(string); partType == "text" {
				if s, ok := part["text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	}
	return ""
}

// systemText flattens an Anthropic system value (string or block array).
func systemText(system any) string {
	if s, ok := system.(string); ok {
		return s
	}
	blocks, err := ParseBlocks(system)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// userContentBlocks converts OpenAI user content into Messages blocks,
// translating image_url parts into image source blocks.
func userContentBlocks(content any) ([]any, error) {
	switch v := content.(type) {
	case string:
		return []any{Block{Type: "text", Text: v}.Map()}, nil
	case []any:
		blocks := make([]any, 0, len(v))
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("content part is %T, want object", item)
			}
			switch partType, _ := part["type"].(string); partType {
			case "text":
				text, _ := part["text"].(string)
				blocks = append(blocks, Block{Type: "text", Text: text}.Map())
			case "image_url":
				img, _ := part["image_url"].(map[string]any)
				url, _ := img["url"].(string)
				source, err := imageURLToSource(url)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, Block{Type: "image", Source: source}.Map())
			default:
				// Unknown part types pass through.
				blocks = append(blocks, part)
			}
		}
		return blocks, nil
	}
	return nil, fmt.Errorf("content is %T, want string or array", content)
}

// imageURLToSource splits a data: URL into the Anthropic base64 source
// shape; plain URLs become url sources.
func imageURLToSource(url string) (map[string]any, error) {
	if !strings.HasPrefix(url, "data:") {
		return map[string]any{"type": "url", "url": url}, nil
	}
	rest := strings.TrimPrefix(url, "data:")
	mediaType, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, fmt.Errorf("image data url is not base64 encoded")
	}
	return map[string]any{
		"type":       "base64",
		"media_type": mediaType,
		"data":       data,
	}, nil
}

// imageBlockToPart converts an Anthropic image block to an OpenAI part.
func imageBlockToPart(b Block) map[string]any {
	sourceType, _ := b.Source["type"].(string)
	if sourceType == "url" {
		return map[string]any{"type": "image_url", "image_url": map[string]any{"url": b.Source["url"]}}
	}
	mediaType, _ := b.Source["media_type"].(string)
	data, _ := b.Source["data"].(string)
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", mediaType, data)},
	}
}

// toolCallToBlock converts an OpenAI tool_call into a tool_use block.
// Unparseable argument strings become an empty input.
func toolCallToBlock(call map[string]any) Block {
	fn, _ := call["function"].(map[string]any)
	name, _ := fn["name"].(string)
	id, _ := call["id"].(string)

	input := map[string]any{}
	if args, ok := fn["arguments"].(string); ok && args != "" {
		_ = json.Unmarshal([]byte(args), &input)
	}
	return Block{Type: "tool_use", ID: id, Name: name, Input: input}
}

func convertToolChoice(choice any) any {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return map[string]any{"type": "auto"}
		case "none":
			return map[string]any{"type": "none"}
		case "required":
			return map[string]any{"type": "any"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			return map[string]any{"type": "tool", "name": fn["name"]}
		}
	}
	return nil
}

func stopReasonToFinishReason(reason any) any {
	s, ok := reason.(string)
	if !ok || s == "" {
		return nil
	}
	switch s {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	}
	return "stop"
}

func finishReasonToStopReason(reason any) any {
	s, ok := reason.(string)
	if !ok || s == "" {
		return nil
	}
	switch s {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	}
	return "end_turn"
}

func anthropicErrTypeToOpenAI(t string) string {
	switch t {
	case "invalid_request_error":
		return "invalid_request_error"
	case "authentication_error", "permission_error":
		return "authentication_error"
	case "rate_limit_error":
		return "rate_limit_error"
	case "not_found_error":
		return "invalid_request_error"
	}
	return "server_error"
}

func openAIErrTypeToAnthropic(t string) string {
	switch t {
	case "invalid_request_error":
		return "invalid_request_error"
	case "authentication_error":
		return "authentication_error"
	case "rate_limit_error":
		return "rate_limit_error"
	}
	return "api_error"
}

func anthropicUsageToOpenAI(usage map[string]any) map[string]any {
	out := map[string]any{
		"prompt_tokens":     usage["input_tokens"],
		"completion_tokens": usage["output_tokens"],
	}
	if in, ok := numberValue(usage["input_tokens"]); ok {
		if outTok, ok := numberValue(usage["output_tokens"]); ok {
			out["total_tokens"] = in + outTok
		}
	}
	if cached, ok := usage["cache_read_input_tokens"]; ok {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": cached}
	}
	return out
}

// numberValue normalises decoded JSON numbers to int.
func numberValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
