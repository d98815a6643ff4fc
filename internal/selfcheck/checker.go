package selfcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

const maxAnalysisPatterns = 20

// analysisResult is one LLM-classified error, the Go projection of the
// reference's per-issue analysis dict.
type analysisResult struct {
	ErrorID   string `json:"error_id"`
	Module    string `json:"module"`
	ErrorType string `json:"error_type"` // "core" | "tool"
	CanFix    bool   `json:"can_fix"`
	Analysis  string `json:"analysis"`
	FixAction string `json:"fix_action"`
}

const analysisSystemPrompt = `You are the self-check analyst for an agent gateway. You are given a
summary of recent ERROR-level log patterns. For every pattern, decide:
- error_type: "core" (agent loop, LLM pool, session store, gateway, stream
  registry internals) or "tool" (channel adapter, tool invocation, skill)
- can_fix: true only for a "tool" error you are confident has a safe,
  narrow automatic remedy
- a one-line analysis and, if can_fix, a one-line fix_action describing
  the remedy

Respond with a JSON array only, one object per pattern, each shaped as:
{"error_id": "...", "module": "...", "error_type": "core|tool", "can_fix":
true|false, "analysis": "...", "fix_action": "..."}`

// Checker runs the daily self-check pipeline: log extraction, LLM (or
// rule-based fallback) classification, and report persistence. Grounded on
// the reference SelfChecker.run_daily_check.
type Checker struct {
	Analyzer *LogAnalyzer
	Store    *Store
	Pool     *llm.Pool // nil falls back to rule-based classification
}

func NewChecker(logDir, reportDir string, pool *llm.Pool) *Checker {
	return &Checker{
		Analyzer: NewLogAnalyzer(logDir),
		Store:    NewStore(reportDir),
		Pool:     pool,
	}
}

// RunDailyCheck extracts today's errors, classifies them, attempts LLM (or
// rule-based) analysis, and persists the resulting report.
func (c *Checker) RunDailyCheck(ctx context.Context) (*DailyReport, error) {
	today := time.Now().Format("2006-01-02")
	report := &DailyReport{Date: today, Timestamp: time.Now()}

	entries := c.Analyzer.ExtractErrors("")
	if len(entries) == 0 {
		slog.Info("selfcheck.no_errors")
		if err := c.Store.Save(report); err != nil {
			return nil, err
		}
		return report, nil
	}

	patterns := c.Analyzer.ClassifyErrors(entries)
	for _, p := range patterns {
		report.TotalErrors += p.Count
	}

	var results []analysisResult
	if c.Pool != nil {
		summary := c.Analyzer.GenerateSummary(patterns, maxAnalysisPatterns)
		var err error
		results, err = c.analyzeWithLLM(ctx, summary)
		if err != nil {
			slog.Warn("selfcheck.llm_analysis_failed", "err", err)
			results = c.analyzeWithRules(patterns)
		}
	} else {
		slog.Warn("selfcheck.no_llm_pool_using_rules")
		results = c.analyzeWithRules(patterns)
	}

	for _, r := range results {
		if r.ErrorType == "core" || !r.CanFix {
			report.CoreErrors++
			report.CoreErrorPatterns = append(report.CoreErrorPatterns, errorPatternRecord{
				Pattern:  r.ErrorID,
				Count:    1,
				Logger:   r.Module,
				Message:  r.Analysis,
				LastSeen: time.Now().Format(time.RFC3339),
			})
			continue
		}

		report.ToolErrors++
		report.FixAttempted++
		fix := c.executeFix(r)
		report.FixRecords = append(report.FixRecords, fix)
		if fix.Success {
			report.FixSuccess++
		} else {
			report.FixFailed++
		}
		report.ToolErrorPatterns = append(report.ToolErrorPatterns, errorPatternRecord{
			Pattern:  r.ErrorID,
			Count:    1,
			Logger:   r.Module,
			Message:  r.Analysis,
			LastSeen: time.Now().Format(time.RFC3339),
		})
	}

	slog.Info("selfcheck.daily_check_complete",
		"total_errors", report.TotalErrors, "core", report.CoreErrors,
		"tool", report.ToolErrors, "fix_success", report.FixSuccess,
		"fix_failed", report.FixFailed)

	if err := c.Store.Save(report); err != nil {
		return nil, err
	}
	return report, nil
}

// analyzeWithLLM submits the error summary to the endpoint pool and parses
// its JSON-array verdict, mirroring the reference _analyze_errors_with_llm.
func (c *Checker) analyzeWithLLM(ctx context.Context, summary string) ([]analysisResult, error) {
	resp, err := c.Pool.Chat(ctx, llm.ChatRequest{
		System: analysisSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: summary},
		},
		Options: map[string]any{llm.OptTemperature: 0.0},
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Content)
	if i := strings.Index(text, "["); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "]"); i >= 0 {
		text = text[:i+1]
	}

	var results []analysisResult
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzeWithRules is the no-LLM fallback: every tool-classified pattern is
// marked fixable with a generic remedy description, every core pattern is
// flagged for human attention, matching the reference
// _analyze_errors_with_rules degraded mode.
func (c *Checker) analyzeWithRules(patterns map[string]*ErrorPattern) []analysisResult {
	results := make([]analysisResult, 0, len(patterns))
	for key, p := range patterns {
		sample := p.Samples[0]
		r := analysisResult{
			ErrorID:   key,
			Module:    sample.Logger,
			ErrorType: p.ComponentType,
			CanFix:    p.CanAutoFix,
			Analysis:  sample.Message,
		}
		if r.CanFix {
			r.FixAction = ruleBasedFixAction(sample.Message)
		}
		results = append(results, r)
	}
	return results
}

// ruleBasedFixAction matches a handful of common tool-error shapes to a
// canned remedy description, mirroring the reference's hardcoded
// permission/missing-file/timeout/connection/cache/config fix helpers. It
// describes the remedy; it does not execute anything destructive.
func ruleBasedFixAction(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "permission denied"):
		return "check file/directory permissions for the affected path"
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "not found"):
		return "verify the referenced path exists and recreate if missing"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "retry with a longer timeout or check upstream latency"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset"):
		return "verify the upstream endpoint is reachable and retry"
	case strings.Contains(lower, "cache"):
		return "clear the affected cache entry and retry"
	case strings.Contains(lower, "config") || strings.Contains(lower, "configuration"):
		return "validate the affected config section against its schema"
	default:
		return "no automatic remedy known for this pattern"
	}
}

// executeFix records a fix attempt. Actual fixes stay advisory: the
// self-check pipeline proposes a remedy in the report rather than mutating
// running state, since none of the fix classes above are safe to apply
// without a human in the loop confirming the target path or endpoint.
func (c *Checker) executeFix(r analysisResult) FixRecord {
	action := r.FixAction
	if action == "" {
		action = "no automatic remedy known for this pattern"
	}
	return FixRecord{
		ErrorPattern: r.ErrorID,
		Component:    r.Module,
		FixAction:    action,
		FixTime:      time.Now(),
		Verified:     false,
		Success:      action != "no automatic remedy known for this pattern",
	}
}
