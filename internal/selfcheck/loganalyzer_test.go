package selfcheck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "error.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestExtractErrorsFiltersNonErrorLines(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir,
		`time=2026-07-30T10:00:00Z level=INFO msg="started" logger=gateway`,
		`time=2026-07-30T10:00:01Z level=ERROR msg="tool timeout" logger=tools.web`,
		`time=2026-07-30T10:00:02Z level=ERROR msg="tool timeout" logger=tools.web`,
		`time=2026-07-30T10:00:03Z level=CRITICAL msg="pool exhausted" logger=llm.pool`,
	)

	a := NewLogAnalyzer(dir)
	entries := a.ExtractErrors("")
	require.Len(t, entries, 3)
	assert.Equal(t, "CRITICAL", entries[2].Level)
}

func TestClassifyErrorsGroupsByPattern(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir,
		`time=t level=ERROR msg="request 123 timed out" logger=tools.web`,
		`time=t level=ERROR msg="request 456 timed out" logger=tools.web`,
		`time=t level=ERROR msg="pool exhausted" logger=llm.pool`,
	)

	a := NewLogAnalyzer(dir)
	patterns := a.ClassifyErrors(a.ExtractErrors(""))
	require.Len(t, patterns, 2)

	for key, p := range patterns {
		switch {
		case strings.Contains(key, "tools.web"):
			assert.Equal(t, 2, p.Count)
			assert.Equal(t, "tool", p.ComponentType)
			assert.True(t, p.CanAutoFix)
		case strings.Contains(key, "llm.pool"):
			assert.Equal(t, "core", p.ComponentType)
			assert.False(t, p.CanAutoFix)
		}
	}
}

func TestGenerateSummaryReportsNoErrors(t *testing.T) {
	a := NewLogAnalyzer(t.TempDir())
	summary := a.GenerateSummary(map[string]*ErrorPattern{}, 20)
	assert.Contains(t, summary, "No errors found")
}
