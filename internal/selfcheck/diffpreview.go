package selfcheck

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// SummaryDiff renders a line-level preview of what changed between two daily
// reports' Markdown, surfaced by `selfcheck --full`: one day's run can shift
// pattern counts and fix records considerably, and a line diff against
// yesterday's report makes that shift legible at a glance instead of forcing
// a side-by-side read of two whole reports.
func SummaryDiff(prevMarkdown, curMarkdown string) string {
	if strings.TrimSpace(prevMarkdown) == "" {
		return "(no prior report to diff against)"
	}
	if prevMarkdown == curMarkdown {
		return "(no change since the previous report)"
	}

	dmp := diffmatchpatch.New()
	charsA, charsB, lines := dmp.DiffLinesToChars(prevMarkdown, curMarkdown)
	diffs := dmp.DiffMain(charsA, charsB, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	b.WriteString("## Summary diff vs. previous report\n\n")
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			if line == "" {
				continue
			}
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
