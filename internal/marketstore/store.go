package marketstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // DuckDB driver
	"github.com/rs/zerolog"
)

// Row is one loosely-typed record keyed by column name.
type Row map[string]any

// Store is the DuckDB-backed columnar store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	versionMu   sync.Mutex
	lastVersion int64
}

// Open opens (or creates) the DuckDB database at path.
// An empty path opens an in-memory database, used by tests.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With().Str("component", "marketstore").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Conn returns the underlying sql.DB, used by the query service.
func (s *Store) Conn() *sql.DB {
	return s.db
}

// NextVersion returns a monotonically increasing version for a load.
// Versions are millisecond timestamps, bumped when two loads collide
// within the same millisecond.
func (s *Store) NextVersion() int64 {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()

	v := time.Now().UnixMilli()
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v
}

// EnsureTable creates the table if it does not exist and returns the DDL
// that was applied, so callers can record it in the schema log.
func (s *Store) EnsureTable(ctx context.Context, schema TableSchema) (string, error) {
	if err := schema.Validate(); err != nil {
		return "", err
	}

	ddl := schema.DDL()
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("failed to create table %s: %w", schema.Name, err)
	}

	return ddl, nil
}

// Append inserts rows with the given version. Writes are pure inserts inside
// a single transaction; no existing row is ever touched, so concurrent
// appends to the same table never conflict.
func (s *Store) Append(ctx context.Context, schema TableSchema, rows []Row, version int64) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	cols := schema.insertColumns()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		schema.Name, strings.Join(cols, ", "), placeholders,
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert for %s: %w", schema.Name, err)
	}
	defer func() { _ = stmt.Close() }()

	ingestedAt := time.Now().UTC()
	var written int64

	for _, row := range rows {
		args := make([]any, 0, len(cols))
		for _, col := range schema.Columns {
			args = append(args, row[col.Name])
		}
		if schema.PartitionColumn != "" {
			tradeDate, _ := row[schema.PartitionColumn].(string)
			args = append(args, monthBucket(tradeDate))
		}
		args = append(args, version, ingestedAt)

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert into %s: %w", schema.Name, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append to %s: %w", schema.Name, err)
	}

	return written, nil
}

// SelectRaw reads rows without deduplication. The result may contain
// superseded versions of a business key; callers that need exactly one row
// per key must use SelectLatest.
func (s *Store) SelectRaw(ctx context.Context, schema TableSchema, where string, args ...any) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s", schema.Name)
	if where != "" {
		query += " WHERE " + where
	}
	return s.queryRows(ctx, query, args...)
}

// SelectLatest reads the current (max-version) row per business key.
// Correct immediately after any write; never depends on compaction.
func (s *Store) SelectLatest(ctx context.Context, schema TableSchema, where string, args ...any) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s", schema.Name)
	if where != "" {
		query += " WHERE " + where
	}
	query += " " + schema.latestFilter()
	return s.queryRows(ctx, query, args...)
}

// queryRows executes a parameterized query and maps the result to Rows.
func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// DatesPresent returns the distinct trade dates (YYYYMMDD) that have at
// least one row in the table, within the inclusive range.
func (s *Store) DatesPresent(ctx context.Context, table, dateColumn, from, to string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WHERE %s >= ? AND %s <= ? ORDER BY %s",
		dateColumn, table, dateColumn, dateColumn, dateColumn,
	)

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read dates from %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates = append(dates, d)
	}

	return dates, rows.Err()
}

// CountOnDate returns the raw row count for one trade date.
func (s *Store) CountOnDate(ctx context.Context, table, dateColumn, date string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, dateColumn)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, date).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// RowCount returns the total raw row count of a table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// TableExists reports whether the named table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?", table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

// Compact physically removes superseded versions of each business key.
// Purely a space/read-performance optimization: latest-version reads are
// already correct without it. Returns the number of rows removed.
func (s *Store) Compact(ctx context.Context, schema TableSchema) (int64, error) {
	if err := schema.Validate(); err != nil {
		return 0, err
	}

	var conds []string
	for _, key := range schema.BusinessKey {
		conds = append(conds, fmt.Sprintf("b.%s = %s.%s", key, schema.Name, key))
	}
	conds = append(conds, fmt.Sprintf("b.%s > %s.%s", ColVersion, schema.Name, ColVersion))

	deleteSQL := fmt.Sprintf(
		"DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s AS b WHERE %s)",
		schema.Name, schema.Name, strings.Join(conds, " AND "),
	)

	res, err := s.db.ExecContext(ctx, deleteSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to compact %s: %w", schema.Name, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		// DuckDB reports affected rows; treat a missing count as zero.
		removed = 0
	}

	if removed > 0 {
		s.log.Info().Str("table", schema.Name).Int64("removed", removed).Msg("Compacted table")
	}
	return removed, nil
}
