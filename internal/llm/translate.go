package llm

import (
	"fmt"
	"strings"
)

// normalizeStopReason maps a dialect's native finish-reason vocabulary onto
// the pool's three-value StopReason, the way the reference Brain's
// _call_openai_endpoint collapses "stop" into "end_turn".
func normalizeStopReason(reason string, hasToolCalls bool) StopReason {
	if hasToolCalls {
		return StopToolUse
	}
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "":
		return StopEndTurn
	case "tool_calls", "tool_use":
		return StopToolUse
	default:
		return StopOther
	}
}

// flattenForForeignDialect renders a native ChatRequest's system prompt and
// tool_result-shaped messages into the plain chat-completions message list a
// foreign (OpenAI-compatible) endpoint expects: a leading system message,
// and every "tool" role lowered to a user-visible text line, matching the
// reference Brain's _call_openai_endpoint translation exactly.
func flattenForForeignDialect(req ChatRequest) []foreignMessage {
	var out []foreignMessage
	if req.System != "" {
		out = append(out, foreignMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if m.Role == "tool" {
			out = append(out, foreignMessage{
				Role:    "user",
				Content: fmt.Sprintf("(tool %s result) %s", m.ToolCallID, m.Content),
			})
			continue
		}
		out = append(out, foreignMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type foreignMessage struct {
	Role    string
	Content string
}
