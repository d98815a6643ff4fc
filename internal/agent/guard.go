package agent

import "regexp"

// InputGuard is a deterministic pattern scan for prompt-injection attempts
// in inbound user text, independent of the task guardrail above: this one
// defends the system prompt, guardCheck enforces tool use on action turns.
type InputGuard struct {
	patterns []namedPattern
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// NewInputGuard builds the default pattern set: common "ignore previous
// instructions" / role-hijack / system-prompt-exfiltration phrasing, in
// English and Chinese.
func NewInputGuard() *InputGuard {
	defs := map[string]string{
		"ignore_instructions": `(?i)ignore (all )?(previous|prior|above) instructions?`,
		"ignore_instructions_zh": `忽略(之前|上面|以上)的?(指令|指示|提示词|系统提示)`,
		"role_override":       `(?i)you are now|act as (if )?you (are|were)|从现在开始你是`,
		"system_exfiltrate":   `(?i)(repeat|print|reveal|show)\s+(your\s+)?(system prompt|instructions)`,
		"system_exfiltrate_zh": `(重复|打印|显示|泄露)(你的)?(系统提示|系统提示词|指令)`,
		"developer_mode":      `(?i)developer mode|jailbreak|DAN mode`,
		"delimiter_escape":    `(?i)</?(system|instructions|admin)>`,
	}
	patterns := make([]namedPattern, 0, len(defs))
	for name, pattern := range defs {
		patterns = append(patterns, namedPattern{name: name, re: regexp.MustCompile(pattern)})
	}
	return &InputGuard{patterns: patterns}
}

// Scan returns the names of every pattern that matched text, nil if none.
func (g *InputGuard) Scan(text string) []string {
	if g == nil || text == "" {
		return nil
	}
	var matches []string
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			matches = append(matches, p.name)
		}
	}
	return matches
}
