// Package selfcheck implements the daily self-check pipeline: extracting
// ERROR/CRITICAL log lines, classifying them as core (human-attention) or
// tool (auto-fixable) errors, asking the LLM pool to analyze and propose
// fixes, and persisting a daily report the gateway delivers on the first
// message of the next day. Grounded on the reference
// evolution/log_analyzer.py and evolution/self_check.py.
package selfcheck

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// coreComponents are logger-name prefixes that indicate a core-system error
// requiring human attention; never auto-fixed.
var coreComponents = []string{
	"agent", "gateway", "llm", "session", "stream", "storage", "mcp",
}

// toolComponents are logger-name prefixes eligible for an attempted
// automatic fix.
var toolComponents = []string{
	"tools", "channel", "skills", "testing",
}

// logLinePattern matches one structured log/slog line of the shape
// "time=... level=ERROR msg=... logger=...", the text handler's default
// key=value rendering.
var logLinePattern = regexp.MustCompile(`level=(ERROR|CRITICAL)\s`)

var loggerFieldPattern = regexp.MustCompile(`logger=(\S+)`)
var msgFieldPattern = regexp.MustCompile(`msg="([^"]*)"`)

// LogEntry is one extracted error/critical log line.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Logger    string
	Message   string
	Component string // "core" | "tool" | "other"
}

// ErrorPattern groups LogEntry values that share a normalized message shape.
type ErrorPattern struct {
	Pattern       string
	Count         int
	FirstSeen     time.Time
	LastSeen      time.Time
	Samples       []LogEntry
	ComponentType string // "core" | "tool"
	CanAutoFix    bool
}

// LogAnalyzer extracts and classifies ERROR-level entries from a log
// directory, mirroring the reference LogAnalyzer's error-only scan.
type LogAnalyzer struct {
	LogDir string
}

func NewLogAnalyzer(logDir string) *LogAnalyzer {
	return &LogAnalyzer{LogDir: logDir}
}

// ExtractErrors scans the named log file (defaulting to "error.log" under
// LogDir) for ERROR/CRITICAL lines, same line-at-a-time approach as the
// reference implementation so large log files never load fully into memory.
func (a *LogAnalyzer) ExtractErrors(logFile string) []LogEntry {
	if logFile == "" {
		logFile = a.LogDir + "/error.log"
	}
	f, err := os.Open(logFile)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !logLinePattern.MatchString(line) {
			continue
		}
		level := "ERROR"
		if strings.Contains(line, "level=CRITICAL") {
			level = "CRITICAL"
		}
		logger := "unknown"
		if m := loggerFieldPattern.FindStringSubmatch(line); m != nil {
			logger = m[1]
		}
		message := line
		if m := msgFieldPattern.FindStringSubmatch(line); m != nil {
			message = m[1]
		}
		entries = append(entries, LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Logger:    logger,
			Message:   message,
			Component: classifyComponent(logger),
		})
	}
	return entries
}

func classifyComponent(logger string) string {
	for _, p := range coreComponents {
		if strings.HasPrefix(logger, p) {
			return "core"
		}
	}
	for _, p := range toolComponents {
		if strings.HasPrefix(logger, p) {
			return "tool"
		}
	}
	return "other"
}

func componentType(logger string) string {
	if classifyComponent(logger) == "tool" {
		return "tool"
	}
	// Unknown components default to core: conservative, matches the
	// reference _get_component_type.
	return "core"
}

var digitsPattern = regexp.MustCompile(`\d+`)
var hexIDPattern = regexp.MustCompile(`[0-9a-f]{8,}`)

func extractPattern(e LogEntry) string {
	msg := digitsPattern.ReplaceAllString(e.Message, "N")
	msg = hexIDPattern.ReplaceAllString(msg, "ID")
	return e.Logger + ": " + msg
}

// ClassifyErrors groups entries into ErrorPattern buckets keyed by a
// normalized message shape, capping stored samples at 3 per pattern.
func (a *LogAnalyzer) ClassifyErrors(entries []LogEntry) map[string]*ErrorPattern {
	patterns := make(map[string]*ErrorPattern)
	for _, e := range entries {
		key := extractPattern(e)
		p, ok := patterns[key]
		if !ok {
			ct := componentType(e.Logger)
			patterns[key] = &ErrorPattern{
				Pattern:       key,
				Count:         1,
				FirstSeen:     e.Timestamp,
				LastSeen:      e.Timestamp,
				Samples:       []LogEntry{e},
				ComponentType: ct,
				CanAutoFix:    ct == "tool",
			}
			continue
		}
		p.Count++
		if e.Timestamp.After(p.LastSeen) {
			p.LastSeen = e.Timestamp
		}
		if e.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = e.Timestamp
		}
		if len(p.Samples) < 3 {
			p.Samples = append(p.Samples, e)
		}
	}
	return patterns
}

// GenerateSummary renders a Markdown digest of the classified patterns for
// the LLM analysis prompt, capped at maxPatterns entries sorted by
// frequency.
func (a *LogAnalyzer) GenerateSummary(patterns map[string]*ErrorPattern, maxPatterns int) string {
	if len(patterns) == 0 {
		return "# Error log summary\n\nNo errors found."
	}

	sorted := make([]*ErrorPattern, 0, len(patterns))
	for _, p := range patterns {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	if len(sorted) > maxPatterns {
		sorted = sorted[:maxPatterns]
	}

	total := 0
	var core, tool []*ErrorPattern
	for _, p := range sorted {
		total += p.Count
		if p.ComponentType == "core" {
			core = append(core, p)
		} else {
			tool = append(tool, p)
		}
	}

	var b strings.Builder
	b.WriteString("# Error log summary\n\n")
	b.WriteString("- total errors: " + itoa(total) + "\n")
	b.WriteString("- core-component patterns: " + itoa(len(core)) + " (requires human attention)\n")
	b.WriteString("- tool patterns: " + itoa(len(tool)) + " (auto-fix candidates)\n\n")

	writeGroup := func(title string, group []*ErrorPattern) {
		if len(group) == 0 {
			return
		}
		b.WriteString("## " + title + "\n\n")
		for _, p := range group {
			sample := p.Samples[0]
			b.WriteString("### [" + itoa(p.Count) + "x] " + p.Pattern + "\n")
			b.WriteString("- logger: `" + sample.Logger + "`\n")
			b.WriteString("- first: " + p.FirstSeen.Format("2006-01-02 15:04:05") + "\n")
			b.WriteString("- last: " + p.LastSeen.Format("2006-01-02 15:04:05") + "\n")
			b.WriteString("- message: `" + sample.Message + "`\n\n")
		}
	}
	writeGroup("Core-component errors (not auto-fixed)", core)
	writeGroup("Tool errors (auto-fix candidates)", tool)

	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
