// Package marketstore provides the columnar market-data store backed by DuckDB.
//
// Every table is append-only: rows are inserted with a monotonically
// increasing version and never updated in place. Readers choose between the
// raw view (may contain superseded duplicates for a business key) and the
// latest-version projection, which is correct by construction regardless of
// whether compaction has run.
package marketstore

import (
	"fmt"
	"strings"
)

// ColumnType is the DuckDB column type of a declared column.
type ColumnType string

const (
	TypeVarchar   ColumnType = "VARCHAR"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBigint    ColumnType = "BIGINT"
	TypeInteger   ColumnType = "INTEGER"
	TypeDate      ColumnType = "DATE"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Column describes one declared column of a plugin output table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Comment  string
}

// TableSchema is a plugin's declared output table.
//
// Two system columns are always appended by the store and must not be
// declared: version (BIGINT, assigned at load) and ingested_at (TIMESTAMP).
// When PartitionColumn names a YYYYMMDD date column, a month_bucket column
// (YYYYMM) is derived at load time as the coarse partition key.
type TableSchema struct {
	Name            string
	Columns         []Column
	BusinessKey     []string // column names forming the natural key
	PartitionColumn string   // trade-date column the month bucket derives from, may be empty
}

// System column names reserved by the store.
const (
	ColVersion     = "version"
	ColIngestedAt  = "ingested_at"
	ColMonthBucket = "month_bucket"
)

// Validate checks the schema for internal consistency.
func (s TableSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("table schema has no name")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %s declares no columns", s.Name)
	}
	if len(s.BusinessKey) == 0 {
		return fmt.Errorf("table %s declares no business key", s.Name)
	}

	names := make(map[string]bool, len(s.Columns))
	for _, col := range s.Columns {
		if col.Name == ColVersion || col.Name == ColIngestedAt || col.Name == ColMonthBucket {
			return fmt.Errorf("table %s declares reserved column %s", s.Name, col.Name)
		}
		if names[col.Name] {
			return fmt.Errorf("table %s declares duplicate column %s", s.Name, col.Name)
		}
		names[col.Name] = true
	}

	for _, key := range s.BusinessKey {
		if !names[key] {
			return fmt.Errorf("table %s business key column %s is not declared", s.Name, key)
		}
	}
	if s.PartitionColumn != "" && !names[s.PartitionColumn] {
		return fmt.Errorf("table %s partition column %s is not declared", s.Name, s.PartitionColumn)
	}

	return nil
}

// HasColumn reports whether the schema declares the named column.
func (s TableSchema) HasColumn(name string) bool {
	for _, col := range s.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// DDL returns the idempotent CREATE TABLE statement for the schema,
// system columns included.
func (s TableSchema) DDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.Name)

	for _, col := range s.Columns {
		fmt.Fprintf(&b, "    %s %s", col.Name, col.Type)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}

	if s.PartitionColumn != "" {
		fmt.Fprintf(&b, "    %s VARCHAR,\n", ColMonthBucket)
	}
	fmt.Fprintf(&b, "    %s BIGINT NOT NULL,\n", ColVersion)
	fmt.Fprintf(&b, "    %s TIMESTAMP NOT NULL\n", ColIngestedAt)
	b.WriteString(")")

	return b.String()
}

// insertColumns returns the full ordered column list used by Append.
func (s TableSchema) insertColumns() []string {
	cols := make([]string, 0, len(s.Columns)+3)
	for _, col := range s.Columns {
		cols = append(cols, col.Name)
	}
	if s.PartitionColumn != "" {
		cols = append(cols, ColMonthBucket)
	}
	cols = append(cols, ColVersion, ColIngestedAt)
	return cols
}

// latestFilter returns the QUALIFY clause selecting the max-version row
// per business key.
func (s TableSchema) latestFilter() string {
	return fmt.Sprintf(
		"QUALIFY row_number() OVER (PARTITION BY %s ORDER BY %s DESC) = 1",
		strings.Join(s.BusinessKey, ", "), ColVersion,
	)
}

// LatestView returns a subquery selecting only the current row for each
// business key. Safe to embed in larger read queries.
func (s TableSchema) LatestView() string {
	return fmt.Sprintf("(SELECT * FROM %s %s)", s.Name, s.latestFilter())
}

// monthBucket derives the YYYYMM bucket from a YYYYMMDD trade date.
func monthBucket(tradeDate string) string {
	if len(tradeDate) >= 6 {
		return tradeDate[:6]
	}
	return ""
}
