// Package claude implements the Claude REST provider: OAuth bearer auth,
// CLI fingerprint overlay, system prompt injection, cache-control budget
// enforcement, and private metadata scrubbing.
package claude

import (
	"fmt"
	"strings"
)

// injectedMarker tags system blocks inserted by the proxy itself. The marker
// is private: it drives cache-control retention and is scrubbed before the
// payload leaves.
const injectedMarker = "_ccproxy_injected"

// maxCacheControlBlocks is the upstream limit on cache_control markers
// across system, messages, and tools.
const maxCacheControlBlocks = 4

// RemoveMetadataFields strips every key beginning with "_" recursively.
// Idempotent: a second pass finds nothing to remove.
func RemoveMetadataFields(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RemoveMetadataFields(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}

// cacheMarker locates one cache_control marker in the payload.
type cacheMarker struct {
	block    map[string]any
	injected bool
	size     int
}

// LimitCacheControlBlocks enforces the marker budget: markers on injected
// blocks are always retained, the remaining budget goes to the largest
// non-injected blocks, and every other marker is stripped. The payload is
// modified in place block-wise but the top-level map is returned for
// chaining. Idempotent.
func LimitCacheControlBlocks(payload map[string]any) map[string]any {
	markers := collectMarkers(payload)
	if len(markers) <= maxCacheControlBlocks {
		return payload
	}

	budget := maxCacheControlBlocks
	for _, m := range markers {
		if m.injected {
			budget--
		}
	}
	if budget < 0 {
		budget = 0
	}

	// Rank non-injected markers by content size, largest first. Sort is
	// stable on insertion order for equal sizes.
	var candidates []cacheMarker
	for _, m := range markers {
		if !m.injected {
			candidates = append(candidates, m)
		}
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].size > candidates[j-1].size; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	for i, m := range candidates {
		if i < budget {
			continue
		}
		delete(m.block, "cache_control")
	}
	return payload
}

// collectMarkers walks system blocks, message content blocks, and tools.
func collectMarkers(payload map[string]any) []cacheMarker {
	var markers []cacheMarker

	add := func(block map[string]any) {
		if _, ok := block["cache_control"]; !ok {
			return
		}
		markers = append(markers, cacheMarker{
			block:    block,
			injected: block[injectedMarker] == true,
			size:     contentSize(block),
		})
	}

	if system, ok := payload["system"].([]any); ok {
		for _, raw := range system {
			if block, ok := raw.(map[string]any); ok {
				add(block)
			}
		}
	}

	if messages, ok := payload["messages"].([]any); ok {
		for _, rawMsg := range messages {
			msg, ok := rawMsg.(map[string]any)
			if !ok {
				continue
			}
			if content, ok := msg["content"].([]any); ok {
				for _, raw := range content {
					if block, ok := raw.(map[string]any); ok {
						add(block)
					}
				}
			}
		}
	}

	if tools, ok := payload["tools"].([]any); ok {
		for _, raw := range tools {
			if tool, ok := raw.(map[string]any); ok {
				add(tool)
			}
		}
	}

	return markers
}

// contentSize approximates a block's weight as the summed character length
// of its textual fields; structured fields are stringified.
func contentSize(block map[string]any) int {
	size := 0
	for _, key := range []string{"text", "description", "name"} {
		if s, ok := block[key].(string); ok {
			size += len(s)
		}
	}
	if input, ok := block["input_schema"]; ok {
		size += len(fmt.Sprintf("%v", input))
	}
	if content, ok := block["content"]; ok {
		size += len(fmt.Sprintf("%v", content))
	}
	return size
}
