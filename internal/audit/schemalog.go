package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaChange is one DDL statement applied to the column store.
type SchemaChange struct {
	ID        int64     `json:"id"`
	Table     string    `json:"table"`
	DDL       string    `json:"ddl"`
	AppliedAt time.Time `json:"applied_at"`
}

// SchemaLog records DDL applied to the column store, so the evolution of
// every table is reconstructible.
type SchemaLog struct {
	db *sql.DB
}

// NewSchemaLog creates a schema log over the metadata database.
func NewSchemaLog(db *sql.DB) *SchemaLog {
	return &SchemaLog{db: db}
}

// RecordIfChanged logs the DDL unless it matches the last entry for the
// table, and reports whether a new row was written. EnsureTable runs on
// every start; only actual changes are worth a log row.
func (l *SchemaLog) RecordIfChanged(ctx context.Context, table, ddl string) (bool, error) {
	var last string
	err := l.db.QueryRowContext(ctx,
		`SELECT ddl FROM schema_log WHERE "table" = ? ORDER BY id DESC LIMIT 1`,
		table,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read schema log for %s: %w", table, err)
	}
	if last == ddl {
		return false, nil
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO schema_log ("table", ddl) VALUES (?, ?)`, table, ddl)
	if err != nil {
		return false, fmt.Errorf("failed to record schema change for %s: %w", table, err)
	}
	return true, nil
}

// History returns all recorded changes for a table, oldest first. An empty
// table matches all tables.
func (l *SchemaLog) History(ctx context.Context, table string) ([]SchemaChange, error) {
	query := `SELECT id, "table", ddl, applied_at FROM schema_log`
	args := []any{}
	if table != "" {
		query += ` WHERE "table" = ?`
		args = append(args, table)
	}
	query += " ORDER BY id"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema log: %w", err)
	}
	defer rows.Close()

	var out []SchemaChange
	for rows.Next() {
		var c SchemaChange
		if err := rows.Scan(&c.ID, &c.Table, &c.DDL, &c.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
