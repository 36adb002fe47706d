// Package streaming relays upstream SSE to clients, optionally translating
// each event through the reverse format chain, and collects per-stream
// usage metrics for the hook bus.
package streaming

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// doneSentinel terminates OpenAI-style streams.
const doneSentinel = "[DONE]"

// ShouldStreamResponse reports whether the client asked for a streaming
// response: either the Accept header names text/event-stream or the decoded
// body carries stream: true.
func ShouldStreamResponse(headers http.Header, body map[string]any) bool {
	if strings.Contains(headers.Get("Accept"), "text/event-stream") {
		return true
	}
	if stream, ok := body["stream"].(bool); ok && stream {
		return true
	}
	return false
}

// Event is one parsed SSE frame: the optional event name and the decoded
// data payload.
type Event struct {
	Name string
	Data map[string]any
}

// lineKind classifies one line of an SSE stream.
type lineKind int

const (
	lineBlank lineKind = iota
	lineEvent
	lineData
	lineDone
	lineOther
)

func classifyLine(line string) (lineKind, string) {
	switch {
	case line == "":
		return lineBlank, ""
	case strings.HasPrefix(line, "data: "):
		payload := line[len("data: "):]
		if strings.TrimSpace(payload) == doneSentinel {
			return lineDone, payload
		}
		return lineData, payload
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimPrefix(line, "data:")
		if strings.TrimSpace(payload) == doneSentinel {
			return lineDone, payload
		}
		return lineData, strings.TrimPrefix(payload, " ")
	case strings.HasPrefix(line, "event:"):
		return lineEvent, strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	default:
		return lineOther, line
	}
}

// decodeData parses a data payload; the second return is false for
// unparseable payloads, which pass through untouched.
func decodeData(payload string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, false
	}
	return m, true
}

// encodeEvent serialises a converted event back to one SSE frame.
func encodeEvent(data map[string]any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
