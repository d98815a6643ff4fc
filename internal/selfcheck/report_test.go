package selfcheck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndPendingReport(t *testing.T) {
	store := NewStore(t.TempDir())

	yesterday := time.Now().AddDate(0, 0, -1)
	report := &DailyReport{
		Date:         yesterday.Format("2006-01-02"),
		Timestamp:    yesterday,
		TotalErrors:  2,
		ToolErrors:   2,
		FixAttempted: 2,
		FixSuccess:   1,
		FixFailed:    1,
	}
	require.NoError(t, store.Save(report))

	text, ok := store.PendingReport(time.Now())
	require.True(t, ok, "expected a pending report for yesterday")
	assert.Contains(t, text, "Daily system report")
	assert.Contains(t, text, "total errors: 2")
}

func TestMarkReportedSuppressesPendingReport(t *testing.T) {
	store := NewStore(t.TempDir())

	yesterday := time.Now().AddDate(0, 0, -1)
	report := &DailyReport{Date: yesterday.Format("2006-01-02"), Timestamp: yesterday}
	require.NoError(t, store.Save(report))
	require.NoError(t, store.MarkReported())

	_, ok := store.PendingReport(time.Now())
	assert.False(t, ok, "expected no pending report after MarkReported")
}

func TestPendingReportAbsentWhenNoReportExists(t *testing.T) {
	store := NewStore(t.TempDir())
	_, ok := store.PendingReport(time.Now())
	assert.False(t, ok)
}

func TestMarkReportedIsIdempotentWithoutAReport(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.NoError(t, store.MarkReported())
}
