package agent

import (
	"regexp"
	"strings"
)

// taskKind is the guardrail's classification of a user message: dialogue
// responses need no tool use, action requests do.
type taskKind int

const (
	taskDialogue taskKind = iota
	taskAction
)

// maxGuardViolations is the consecutive-violation budget before the turn is
// aborted with a fatal guard error (spec §4.5).
const maxGuardViolations = 3

var dialoguePatterns = compileAll(
	`^(你好|hi\b|hello\b|早上好|晚上好|谢谢|感谢|再见|bye\b)`,
	`什么是.+`,
	`.+是什么`,
	`怎么理解`,
	`请解释`,
	`^(好的|明白|知道了)$`,
)

var actionPatterns = compileAll(
	`打开|创建|查|搜索|提醒|帮我|执行|运行|删除|修改|更新|发送|截图|下载|安装`,
	`写.+文件`,
	`设置.+提醒`,
	`\d+分钟后`,
	`每天.+点`,
	`\b(open|create|write|delete|search|run|install|remind)\b`,
)

var scriptIntentPatterns = compileAll(
	`write_file.*\.py`,
	`run_shell.*python`,
	`创建.+脚本`,
	`写.+代码`,
)

var evasivePatterns = compileAll(
	`我理解了`, `我明白了`, `好的，我会`, `我来帮你`, `让我为你`, `我将为你`, `我可以帮`,
	`^(i understand|i'll help|let me help)`,
)

var evasiveActionWords = []string{"打开", "创建", "执行", "查询", "搜索", "open", "create", "run", "search"}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// classifyTask applies the deterministic rule table from spec §4.5. It
// checks dialogue patterns first, conservatively defaulting to dialogue
// when neither table matches — classifying the same input twice always
// yields the same label (spec §8 invariant 8).
func classifyTask(userMessage string) taskKind {
	trimmed := strings.ToLower(strings.TrimSpace(userMessage))

	if anyMatch(dialoguePatterns, trimmed) {
		return taskDialogue
	}
	if strings.HasSuffix(trimmed, "?") && len(trimmed) < 50 {
		return taskDialogue
	}
	if anyMatch(actionPatterns, trimmed) {
		return taskAction
	}
	return taskDialogue
}

// guardCheck inspects one LLM response against the guardrail's expectation
// for an action-classified turn: it must either contain a tool call or
// mention creating a script. Dialogue turns and turns where tools are
// disabled always pass.
func guardCheck(kind taskKind, toolsEnabled bool, hasToolUse bool, responseText string) (passed bool, retryHint string) {
	if kind == taskDialogue || !toolsEnabled {
		return true, ""
	}
	if hasToolUse {
		return true, ""
	}
	if anyMatch(scriptIntentPatterns, responseText) {
		return true, ""
	}
	if isEvasive(responseText) {
		return false, "你必须使用工具执行任务，不能只回复文字。请调用相关工具。"
	}
	return false, "这是一个任务型请求，请使用工具完成。如果没有合适的工具，请使用 write_file + run_shell 创建脚本。"
}

func isEvasive(text string) bool {
	if text == "" {
		return false
	}
	if !anyMatch(evasivePatterns, text) {
		return false
	}
	for _, word := range evasiveActionWords {
		if strings.Contains(text, word) {
			return false
		}
	}
	return true
}
