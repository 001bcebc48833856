package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/database"
)

func setupDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "meta.db"),
		Name: "meta",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	return db
}

func completedTask(plugin, date string) TaskRecord {
	now := time.Now()
	return TaskRecord{
		RunID:      "01JD0000000000000000000000",
		TaskID:     "task-" + plugin + "-" + date,
		Plugin:     plugin,
		TradeDate:  date,
		Status:     StatusCompleted,
		Rows:       100,
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
	}
}

func TestIngestionLog_RecordAndHasCompleted(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	done, err := log.HasCompleted(ctx, "dailybars", "20250113")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, log.Record(ctx, completedTask("dailybars", "20250113")))

	done, err = log.HasCompleted(ctx, "dailybars", "20250113")
	require.NoError(t, err)
	assert.True(t, done)

	// Other dates and plugins stay incomplete.
	done, err = log.HasCompleted(ctx, "dailybars", "20250114")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = log.HasCompleted(ctx, "moneyflow", "20250113")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestIngestionLog_FailureDoesNotCountAsCompletion(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	rec := completedTask("dailybars", "20250113")
	rec.Status = StatusFailed
	rec.Error = "upstream timeout"
	require.NoError(t, log.Record(ctx, rec))

	done, err := log.HasCompleted(ctx, "dailybars", "20250113")
	require.NoError(t, err)
	assert.False(t, done)

	// A successful retry appends a new row and flips the answer.
	require.NoError(t, log.Record(ctx, completedTask("dailybars", "20250113")))

	done, err = log.HasCompleted(ctx, "dailybars", "20250113")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIngestionLog_CompletedDates(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	for _, date := range []string{"20250113", "20250115", "20250114", "20250115"} {
		require.NoError(t, log.Record(ctx, completedTask("dailybars", date)))
	}

	dates, err := log.CompletedDates(ctx, "dailybars", "20250113", "20250117")
	require.NoError(t, err)
	assert.Equal(t, []string{"20250113", "20250114", "20250115"}, dates)

	dates, err = log.CompletedDates(ctx, "dailybars", "20250114", "20250114")
	require.NoError(t, err)
	assert.Equal(t, []string{"20250114"}, dates)
}

func TestIngestionLog_TasksForRunAndRecent(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	a := completedTask("tradecal", "")
	a.RunID = "run-a"
	b := completedTask("stockbasic", "")
	b.RunID = "run-a"
	b.Status = StatusBlocked
	c := completedTask("dailybars", "20250113")
	c.RunID = "run-b"

	for _, rec := range []TaskRecord{a, b, c} {
		require.NoError(t, log.Record(ctx, rec))
	}

	tasks, err := log.TasksForRun(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "tradecal", tasks[0].Plugin)
	assert.Equal(t, StatusBlocked, tasks[1].Status)

	recent, err := log.RecentTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "dailybars", recent[0].Plugin)
}

func TestIngestionLog_LastCompletedDate(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	date, err := log.LastCompletedDate(ctx, "dailybars")
	require.NoError(t, err)
	assert.Empty(t, date)

	require.NoError(t, log.Record(ctx, completedTask("dailybars", "20250114")))
	require.NoError(t, log.Record(ctx, completedTask("dailybars", "20250113")))

	date, err = log.LastCompletedDate(ctx, "dailybars")
	require.NoError(t, err)
	assert.Equal(t, "20250114", date)
}

func TestIngestionLog_HasEverCompleted(t *testing.T) {
	log := NewIngestionLog(setupDB(t).Conn())
	ctx := context.Background()

	done, err := log.HasEverCompleted(ctx, "stockbasic")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, log.Record(ctx, completedTask("stockbasic", "")))

	done, err = log.HasEverCompleted(ctx, "stockbasic")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestQualityLog_RecordAndQuery(t *testing.T) {
	log := NewQualityLog(setupDB(t).Conn())
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, QualityResult{
		Plugin: "dailybars", Table: "daily_bars", CheckName: "ohlc_ordering",
		Severity: SeverityCritical, Passed: true,
	}))
	require.NoError(t, log.Record(ctx, QualityResult{
		Plugin: "dailybars", Table: "daily_bars", CheckName: "completeness",
		Severity: SeverityWarning, Passed: false, Detail: "2 trading days missing",
	}))
	require.NoError(t, log.Record(ctx, QualityResult{
		Plugin: "limitlist", Table: "limit_list", CheckName: "limit_consistency",
		Severity: SeverityWarning, Passed: true,
	}))

	results, err := log.Recent(ctx, "dailybars", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "completeness", results[0].CheckName)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "2 trading days missing", results[0].Detail)

	all, err := log.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failures, err := log.Failures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "completeness", failures[0].CheckName)
}

func TestSchemaLog_RecordIfChanged(t *testing.T) {
	log := NewSchemaLog(setupDB(t).Conn())
	ctx := context.Background()

	ddlV1 := "CREATE TABLE IF NOT EXISTS daily_bars (ts_code VARCHAR)"
	ddlV2 := "CREATE TABLE IF NOT EXISTS daily_bars (ts_code VARCHAR, close DOUBLE)"

	changed, err := log.RecordIfChanged(ctx, "daily_bars", ddlV1)
	require.NoError(t, err)
	assert.True(t, changed)

	// Re-applying identical DDL on restart is not a change.
	changed, err = log.RecordIfChanged(ctx, "daily_bars", ddlV1)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = log.RecordIfChanged(ctx, "daily_bars", ddlV2)
	require.NoError(t, err)
	assert.True(t, changed)

	history, err := log.History(ctx, "daily_bars")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ddlV1, history[0].DDL)
	assert.Equal(t, ddlV2, history[1].DDL)

	all, err := log.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
