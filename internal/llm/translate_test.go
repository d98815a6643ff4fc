package llm

import "testing"

// TestNormalizeStopReason covers the three-value collapse used by every
// foreign dialect (spec §4.4 "Protocol translation").
func TestNormalizeStopReason(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         StopReason
	}{
		{"stop", false, StopEndTurn},
		{"", false, StopEndTurn},
		{"tool_calls", false, StopToolUse},
		{"anything", true, StopToolUse}, // tool calls always win, regardless of reported reason
		{"length", false, StopOther},
		{"content_filter", false, StopOther},
	}
	for _, tt := range tests {
		got := normalizeStopReason(tt.reason, tt.hasToolCalls)
		if got != tt.want {
			t.Errorf("normalizeStopReason(%q, %v) = %q, want %q", tt.reason, tt.hasToolCalls, got, tt.want)
		}
	}
}

// TestFlattenForForeignDialect is a direct port of spec §8 scenario S6: the
// system prompt becomes a leading system message, and a tool_result-shaped
// message is lowered into plain user-visible text.
func TestFlattenForForeignDialect(t *testing.T) {
	req := ChatRequest{
		System: "you are an assistant",
		Messages: []Message{
			{Role: "user", Content: "do the thing"},
			{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "call_1", Name: "do_thing"}}},
			{Role: "tool", Content: "thing done", ToolCallID: "call_1"},
		},
	}

	out := flattenForForeignDialect(req)

	if len(out) != 4 {
		t.Fatalf("expected 4 flattened messages, got %d: %+v", len(out), out)
	}
	if out[0].Role != "system" || out[0].Content != "you are an assistant" {
		t.Errorf("expected leading system message, got %+v", out[0])
	}
	if out[1].Role != "user" || out[1].Content != "do the thing" {
		t.Errorf("expected user message preserved, got %+v", out[1])
	}
	last := out[3]
	if last.Role != "user" {
		t.Errorf("expected tool_result lowered to a user-role message, got role %q", last.Role)
	}
	if last.Content != "(tool call_1 result) thing done" {
		t.Errorf("expected lowered tool result text, got %q", last.Content)
	}
}

// TestFlattenForForeignDialectNoSystem verifies no leading system message is
// emitted when the request carries no system prompt.
func TestFlattenForForeignDialectNoSystem(t *testing.T) {
	out := flattenForForeignDialect(ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if len(out) != 1 || out[0].Role != "user" {
		t.Fatalf("expected single user message with no system prompt, got %+v", out)
	}
}
