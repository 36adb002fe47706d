package tokens

import "testing"

// Tests use model ids with no registered encoding so counting exercises the
// deterministic chars/4 fallback rather than downloading BPE tables.
const fallbackModel = "claude-sonnet-4-20250514"

func TestCountText_Fallback(t *testing.T) {
	c := NewCounter()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"exactly four chars", "abcd", 1},
		{"five chars rounds up", "abcde", 2},
		{"longer text", "the quick brown fox jumps over the lazy dog", 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CountText(fallbackModel, tt.text); got != tt.want {
				t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCountMessages_Overheads(t *testing.T) {
	c := NewCounter()

	msgs := []Message{
		{Role: "user", Text: "abcd"},            // role 1 + text 1
		{Role: "user", Text: "abcd", Images: 2}, // role 1 + text 1 + 170
	}

	// OpenAI style: priming 2 + 2*(4 msg overhead) + content 4 + images 170.
	wantOpenAI := 2 + 2*4 + (1 + 1) + (1 + 1) + 2*85
	if got := c.CountMessages(StyleOpenAI, fallbackModel, msgs); got != wantOpenAI {
		t.Errorf("openai count = %d, want %d", got, wantOpenAI)
	}

	// Anthropic style charges 3 per message instead of 4.
	wantAnthropic := wantOpenAI - 2
	if got := c.CountMessages(StyleAnthropic, fallbackModel, msgs); got != wantAnthropic {
		t.Errorf("anthropic count = %d, want %d", got, wantAnthropic)
	}
}

func TestCountMessages_Empty(t *testing.T) {
	c := NewCounter()
	if got := c.CountMessages(StyleOpenAI, fallbackModel, nil); got != primingOverhead {
		t.Errorf("empty conversation = %d, want priming overhead %d", got, primingOverhead)
	}
}

func TestCounter_MissingEncodingCached(t *testing.T) {
	c := NewCounter()
	c.CountText(fallbackModel, "warm the miss cache")
	if !c.missing[fallbackModel] {
		t.Error("expected unknown model recorded in miss cache")
	}
}
