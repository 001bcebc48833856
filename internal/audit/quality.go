package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Quality severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// QualityResult is one quality-check verdict for a plugin table.
type QualityResult struct {
	ID        int64     `json:"id"`
	Plugin    string    `json:"plugin"`
	Table     string    `json:"table"`
	CheckName string    `json:"check_name"`
	Severity  string    `json:"severity"`
	Passed    bool      `json:"passed"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// QualityLog records and queries quality-check results.
type QualityLog struct {
	db *sql.DB
}

// NewQualityLog creates a quality log over the metadata database.
func NewQualityLog(db *sql.DB) *QualityLog {
	return &QualityLog{db: db}
}

// Record appends a quality-check verdict.
func (l *QualityLog) Record(ctx context.Context, res QualityResult) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO quality_results (plugin, "table", check_name, severity, passed, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.Plugin, res.Table, res.CheckName, res.Severity, res.Passed, nullIfEmpty(res.Detail),
	)
	if err != nil {
		return fmt.Errorf("failed to record quality result: %w", err)
	}
	return nil
}

// Recent returns the most recent results, newest first. An empty plugin
// matches all plugins.
func (l *QualityLog) Recent(ctx context.Context, plugin string, limit int) ([]QualityResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, plugin, "table", check_name, severity, passed, detail, checked_at
	          FROM quality_results`
	args := []any{}
	if plugin != "" {
		query += " WHERE plugin = ?"
		args = append(args, plugin)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality results: %w", err)
	}
	defer rows.Close()

	var out []QualityResult
	for rows.Next() {
		var res QualityResult
		var detail sql.NullString
		if err := rows.Scan(&res.ID, &res.Plugin, &res.Table, &res.CheckName,
			&res.Severity, &res.Passed, &detail, &res.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality result: %w", err)
		}
		res.Detail = detail.String
		out = append(out, res)
	}
	return out, rows.Err()
}

// Failures returns recent failed checks only, newest first.
func (l *QualityLog) Failures(ctx context.Context, limit int) ([]QualityResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, plugin, "table", check_name, severity, passed, detail, checked_at
		 FROM quality_results WHERE passed = 0 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality failures: %w", err)
	}
	defer rows.Close()

	var out []QualityResult
	for rows.Next() {
		var res QualityResult
		var detail sql.NullString
		if err := rows.Scan(&res.ID, &res.Plugin, &res.Table, &res.CheckName,
			&res.Severity, &res.Passed, &detail, &res.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality result: %w", err)
		}
		res.Detail = detail.String
		out = append(out, res)
	}
	return out, rows.Err()
}
