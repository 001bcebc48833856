// Package audit persists the operational history of the platform: every
// ingestion task outcome, every quality-check verdict, and every DDL
// applied to the column store. The ingestion log is not just bookkeeping:
// dependency gating and backfill resume both read from it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Task statuses recorded in the ingestion log.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
)

// TaskRecord is one ingestion task outcome.
type TaskRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	Plugin     string    `json:"plugin"`
	TradeDate  string    `json:"trade_date"` // YYYYMMDD, empty for dateless plugins
	Status     string    `json:"status"`
	Rows       int64     `json:"rows"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// IngestionLog records and queries task outcomes.
type IngestionLog struct {
	db *sql.DB
}

// NewIngestionLog creates an ingestion log over the metadata database.
func NewIngestionLog(db *sql.DB) *IngestionLog {
	return &IngestionLog{db: db}
}

// Record appends a task outcome. The log is append-only: a retried task
// writes a new row rather than updating the failed one.
func (l *IngestionLog) Record(ctx context.Context, rec TaskRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ingestion_log
		     (run_id, task_id, plugin, trade_date, status, rows, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.Plugin, rec.TradeDate, rec.Status,
		rec.Rows, nullIfEmpty(rec.Error), rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	return nil
}

// HasCompleted reports whether the plugin has at least one completed task
// for the given trade date.
func (l *IngestionLog) HasCompleted(ctx context.Context, plugin, tradeDate string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_log
		 WHERE plugin = ? AND trade_date = ? AND status = ?`,
		plugin, tradeDate, StatusCompleted,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check completion for %s/%s: %w", plugin, tradeDate, err)
	}
	return n > 0, nil
}

// HasEverCompleted reports whether the plugin has completed on any date.
func (l *IngestionLog) HasEverCompleted(ctx context.Context, plugin string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_log WHERE plugin = ? AND status = ?`,
		plugin, StatusCompleted,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check completion for %s: %w", plugin, err)
	}
	return n > 0, nil
}

// CompletedDates returns the distinct trade dates in [from, to] on which
// the plugin completed, ascending. Backfill uses this to skip work already
// done.
func (l *IngestionLog) CompletedDates(ctx context.Context, plugin, from, to string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT trade_date FROM ingestion_log
		 WHERE plugin = ? AND status = ? AND trade_date >= ? AND trade_date <= ?
		 ORDER BY trade_date`,
		plugin, StatusCompleted, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed dates for %s: %w", plugin, err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan completed date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// TasksForRun returns all task outcomes recorded under a run, oldest first.
func (l *IngestionLog) TasksForRun(ctx context.Context, runID string) ([]TaskRecord, error) {
	return l.query(ctx,
		`SELECT id, run_id, task_id, plugin, trade_date, status, rows, error, started_at, finished_at
		 FROM ingestion_log WHERE run_id = ? ORDER BY id`, runID)
}

// RecentTasks returns the most recent task outcomes, newest first.
func (l *IngestionLog) RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.query(ctx,
		`SELECT id, run_id, task_id, plugin, trade_date, status, rows, error, started_at, finished_at
		 FROM ingestion_log ORDER BY id DESC LIMIT ?`, limit)
}

// LastCompletedDate returns the most recent trade date the plugin completed,
// or empty string if it never has.
func (l *IngestionLog) LastCompletedDate(ctx context.Context, plugin string) (string, error) {
	var date string
	err := l.db.QueryRowContext(ctx,
		`SELECT trade_date FROM ingestion_log
		 WHERE plugin = ? AND status = ? AND trade_date != ''
		 ORDER BY trade_date DESC LIMIT 1`,
		plugin, StatusCompleted,
	).Scan(&date)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query last completed date for %s: %w", plugin, err)
	}
	return date, nil
}

func (l *IngestionLog) query(ctx context.Context, query string, args ...any) ([]TaskRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingestion log: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var errMsg sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TaskID, &rec.Plugin, &rec.TradeDate,
			&rec.Status, &rec.Rows, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		rec.Error = errMsg.String
		rec.StartedAt = started.Time
		rec.FinishedAt = finished.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
