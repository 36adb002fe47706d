package copilot

import (
	"time"

	"github.com/google/uuid"
)

// NormalizeResponse implements proxy.ResponseNormalizer. Copilot's OpenAI
// compatibility has gaps: chat completions may omit the created timestamp,
// and Responses-shaped bodies come back with missing identity fields and
// non-canonical output parts. When the rebuilt Responses body fails
// validation the original is returned unchanged.
func (p *Provider) NormalizeResponse(body map[string]any) map[string]any {
	if isResponsesShape(body) {
		if normalized, ok := normalizeResponsesBody(body); ok {
			return normalized
		}
		return body
	}
	return patchCreated(body)
}

// patchCreated fills the created timestamp on chat completions that lack it.
func patchCreated(body map[string]any) map[string]any {
	if body["object"] != "chat.completion" && body["object"] != "chat.completion.chunk" {
		return body
	}
	if _, ok := body["created"]; ok {
		return body
	}
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["created"] = time.Now().Unix()
	return out
}

func isResponsesShape(body map[string]any) bool {
	if body["object"] == "response" {
		return true
	}
	_, hasOutput := body["output"]
	_, hasChoices := body["choices"]
	return hasOutput && !hasChoices
}

// stopReasonStatus maps Anthropic-style stop reasons, which Copilot leaks
// into Responses bodies, onto canonical response statuses.
var stopReasonStatus = map[string]string{
	"end_turn":      "completed",
	"stop_sequence": "completed",
	"tool_use":      "completed",
	"max_tokens":    "incomplete",
}

func normalizeResponsesBody(body map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["object"] = "response"

	if id, _ := out["id"].(string); id == "" {
		out["id"] = "resp_" + uuid.NewString()
	}

	if status, _ := out["status"].(string); status == "" {
		stop, _ := out["stop_reason"].(string)
		if mapped, ok := stopReasonStatus[stop]; ok {
			out["status"] = mapped
		} else {
			out["status"] = "completed"
		}
	}

	if output, ok := out["output"].([]any); ok {
		out["output"] = normalizeOutput(output)
	}
	if usage, ok := out["usage"].(map[string]any); ok {
		out["usage"] = normalizeUsage(usage)
	}

	if !validResponse(out) {
		return nil, false
	}
	return out, true
}

// normalizeOutput coerces message content parts to output_text.
func normalizeOutput(output []any) []any {
	normalized := make([]any, 0, len(output))
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			normalized = append(normalized, raw)
			continue
		}
		if item["type"] != "message" {
			normalized = append(normalized, item)
			continue
		}
		copied := make(map[string]any, len(item))
		for k, v := range item {
			copied[k] = v
		}
		if content, ok := copied["content"].([]any); ok {
			parts := make([]any, 0, len(content))
			for _, rawPart := range content {
				part, ok := rawPart.(map[string]any)
				if !ok {
					parts = append(parts, rawPart)
					continue
				}
				switch part["type"] {
				case "output_text":
					parts = append(parts, part)
				case "text", nil:
					if text, ok := part["text"].(string); ok {
						parts = append(parts, map[string]any{"type": "output_text", "text": text})
					} else {
						parts = append(parts, part)
					}
				default:
					parts = append(parts, part)
				}
			}
			copied["content"] = parts
		}
		normalized = append(normalized, copied)
	}
	return normalized
}

// normalizeUsage lifts cached and reasoning token counts into the canonical
// details objects.
func normalizeUsage(usage map[string]any) map[string]any {
	out := make(map[string]any, len(usage))
	for k, v := range usage {
		out[k] = v
	}

	if _, ok := out["input_tokens_details"]; !ok {
		if cached, ok := numeric(out["cached_tokens"]); ok {
			out["input_tokens_details"] = map[string]any{"cached_tokens": cached}
			delete(out, "cached_tokens")
		}
	}
	if _, ok := out["output_tokens_details"]; !ok {
		if reasoning, ok := numeric(out["reasoning_tokens"]); ok {
			out["output_tokens_details"] = map[string]any{"reasoning_tokens": reasoning}
			delete(out, "reasoning_tokens")
		}
	}

	// Chat-style field names appear in some responses.
	if _, ok := out["input_tokens"]; !ok {
		if v, ok := numeric(out["prompt_tokens"]); ok {
			out["input_tokens"] = v
		}
	}
	if _, ok := out["output_tokens"]; !ok {
		if v, ok := numeric(out["completion_tokens"]); ok {
			out["output_tokens"] = v
		}
	}
	return out
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

var validStatuses = map[string]bool{
	"completed":   true,
	"incomplete":  true,
	"failed":      true,
	"in_progress": true,
	"cancelled":   true,
	"queued":      true,
}

// validResponse is the acceptance gate for a rebuilt body: identity and
// status must be present and every output item must be a well-formed object.
func validResponse(body map[string]any) bool {
	if id, _ := body["id"].(string); id == "" {
		return false
	}
	status, _ := body["status"].(string)
	if !validStatuses[status] {
		return false
	}
	output, ok := body["output"].([]any)
	if !ok {
		return false
	}
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := item["type"].(string); !ok {
			return false
		}
	}
	return true
}
