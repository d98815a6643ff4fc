// Package agent — response sanitization pipeline.
//
// Some endpoints leak provider-internal artifacts into the content string
// instead of (or alongside) a proper tool call: garbled tool-call XML from
// models that don't follow function-calling syntax cleanly, downgraded
// "[Tool Call: ...]" transcripts, <think>/<thinking> reasoning traces,
// hallucinated [System Message] echoes, and stray MEDIA: path references
// that belong on the delivered attachment, not in the chat text. A reply is
// put through every step below before it is saved to the session or sent.
package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// sanitizeStep is one pass of the pipeline; it may return "" to signal that
// the remaining content was entirely an artifact worth dropping.
type sanitizeStep func(string) string

// sanitizePipeline runs in order: earlier steps remove whole artifacts
// (garbled XML, downgraded tool text) before later steps clean up what's
// left (thinking tags, echoed system blocks, duplicate paragraphs, MEDIA:
// references, leading blank lines).
var sanitizePipeline = []sanitizeStep{
	stripGarbledToolXML,
	stripDowngradedToolCallText,
	stripThinkingTags,
	stripFinalTags,
	stripEchoedSystemMessages,
	collapseConsecutiveDuplicateBlocks,
	stripMediaPaths,
	stripLeadingBlankLines,
}

// SanitizeAssistantContent applies the full sanitization pipeline to one
// assistant response before it is saved to the session and sent to the user.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content
	for _, step := range sanitizePipeline {
		content = step(content)
		if content == "" {
			return ""
		}
	}
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("agent.response_sanitized", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// --- garbled tool-call XML ---

// garbledToolXMLPattern matches XML-like tool call artifacts that some
// models (DeepSeek, GLM, Minimax) emit as text content instead of a proper
// structured tool call.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter|minimax:tool_call)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	hasIndicator := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			hasIndicator = true
			break
		}
	}
	if !hasIndicator {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	if cleaned == "" {
		slog.Warn("agent.garbled_tool_xml_dropped_whole_response", "original_len", len(content))
		return ""
	}
	// Any indicator present means the model conflated prose with tool
	// syntax; the remaining text is unreliable enough to drop too.
	slog.Warn("agent.garbled_tool_xml_stripped", "original_len", len(content), "remaining_len", len(cleaned))
	return ""
}

// --- downgraded tool-call text ---

// stripDowngradedToolCallText removes "[Tool Call: ...]", "[Tool Result
// ...]", and "[Historical context: ...]" blocks some models emit as plain
// text rather than a real tool call. Line-by-line since Go's regexp has no
// lookahead to express "until the next unindented line".
func stripDowngradedToolCallText(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			inBlock = true
			continue
		}
		if inBlock {
			// Arguments JSON and tool output are typically indented or blank.
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			inBlock = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// --- thinking / reasoning tags ---

// thinkingTagPatterns strips <think>, <thinking>, <thought>, and
// <antThinking> blocks. Separate patterns per tag since Go's regexp has no
// backreferences to match an arbitrary open/close pair generically.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antThinking>.*?</antThinking>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// --- <final> wrapper tags ---

// finalTagPattern strips <final>/</final> wrapper tags, keeping the
// enclosed content.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// --- echoed [System Message] blocks ---

// stripEchoedSystemMessages removes "[System Message] ..." blocks some
// models hallucinate or echo back into their own response text.
func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.TrimSpace(line) == "" {
				inBlock = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("agent.echoed_system_message_stripped", "original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// --- duplicate paragraph collapsing ---

// collapseConsecutiveDuplicateBlocks drops a paragraph that is an exact
// repeat of the one immediately before it, a pattern some models fall into
// under retried tool loops.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}

	collapsed := strings.Join(kept, "\n\n")
	if collapsed != content {
		slog.Debug("agent.duplicate_blocks_collapsed", "original_blocks", len(blocks), "result_blocks", len(kept))
	}
	return collapsed
}

// --- MEDIA: path references ---

// stripMediaPaths removes lines referencing MEDIA:/path or
// [[audio_as_voice]] — tool-result artifacts that must not leak into the
// user-facing reply since the attachment itself is delivered separately via
// OutgoingMessage.Content, not inline in the text.
func stripMediaPaths(content string) string {
	if !strings.Contains(content, "MEDIA:") && !strings.Contains(content, "[[audio_as_voice]]") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "MEDIA:") || strings.HasPrefix(trimmed, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// --- leading blank lines ---

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}

// --- silent-reply detection ---

// silentReplyToken is the sentinel an agent emits to suppress a reply
// entirely (e.g. a background/automated turn with nothing worth saying).
const silentReplyToken = "NO_REPLY"

// IsSilentReply reports whether text is the silent-reply sentinel, matched
// as a whole word so it doesn't misfire on prose that merely contains the
// token as a substring (e.g. "NO_REPLYING" would not count).
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentReplyToken {
		return true
	}
	if strings.HasPrefix(trimmed, silentReplyToken) {
		rest := trimmed[len(silentReplyToken):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, silentReplyToken) {
		before := trimmed[:len(trimmed)-len(silentReplyToken)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
