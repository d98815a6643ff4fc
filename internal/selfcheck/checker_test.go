package selfcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDailyCheckWithoutPoolUsesRuleBasedFixes(t *testing.T) {
	logDir := t.TempDir()
	writeLog(t, logDir,
		`time=t level=ERROR msg="connection refused to upstream" logger=tools.web`,
		`time=t level=ERROR msg="connection refused to upstream" logger=tools.web`,
		`time=t level=ERROR msg="queue deadlock" logger=agent.loop`,
	)

	checker := NewChecker(logDir, t.TempDir(), nil)
	report, err := checker.RunDailyCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ToolErrors)
	assert.Equal(t, 1, report.CoreErrors)
	assert.Equal(t, 1, report.FixAttempted)
	assert.Equal(t, 1, report.FixSuccess)
}

func TestRunDailyCheckWithNoErrorsSavesEmptyReport(t *testing.T) {
	checker := NewChecker(t.TempDir(), t.TempDir(), nil)
	report, err := checker.RunDailyCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalErrors)
}
