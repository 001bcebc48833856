package marketstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barsSchema() TableSchema {
	return TableSchema{
		Name: "daily_bars",
		Columns: []Column{
			{Name: "ts_code", Type: TypeVarchar, Comment: "security code"},
			{Name: "trade_date", Type: TypeVarchar, Comment: "YYYYMMDD"},
			{Name: "open", Type: TypeDouble, Nullable: true},
			{Name: "high", Type: TypeDouble, Nullable: true},
			{Name: "low", Type: TypeDouble, Nullable: true},
			{Name: "close", Type: TypeDouble, Nullable: true},
			{Name: "vol", Type: TypeDouble, Nullable: true},
		},
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func TestTableSchema_Validate(t *testing.T) {
	t.Run("valid schema passes", func(t *testing.T) {
		assert.NoError(t, barsSchema().Validate())
	})

	t.Run("missing business key fails", func(t *testing.T) {
		s := barsSchema()
		s.BusinessKey = nil
		assert.Error(t, s.Validate())
	})

	t.Run("business key not declared fails", func(t *testing.T) {
		s := barsSchema()
		s.BusinessKey = []string{"nonexistent"}
		assert.Error(t, s.Validate())
	})

	t.Run("reserved column fails", func(t *testing.T) {
		s := barsSchema()
		s.Columns = append(s.Columns, Column{Name: "version", Type: TypeBigint})
		assert.Error(t, s.Validate())
	})

	t.Run("duplicate column fails", func(t *testing.T) {
		s := barsSchema()
		s.Columns = append(s.Columns, Column{Name: "ts_code", Type: TypeVarchar})
		assert.Error(t, s.Validate())
	})

	t.Run("unknown partition column fails", func(t *testing.T) {
		s := barsSchema()
		s.PartitionColumn = "nope"
		assert.Error(t, s.Validate())
	})
}

func TestTableSchema_DDL(t *testing.T) {
	ddl := barsSchema().DDL()

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS daily_bars")
	assert.Contains(t, ddl, "ts_code VARCHAR NOT NULL")
	assert.Contains(t, ddl, "open DOUBLE,")
	// System columns always appended
	assert.Contains(t, ddl, "month_bucket VARCHAR")
	assert.Contains(t, ddl, "version BIGINT NOT NULL")
	assert.Contains(t, ddl, "ingested_at TIMESTAMP NOT NULL")
}

func TestTableSchema_LatestView(t *testing.T) {
	view := barsSchema().LatestView()

	assert.Contains(t, view, "PARTITION BY ts_code, trade_date")
	assert.Contains(t, view, "ORDER BY version DESC")
}

func TestMonthBucket(t *testing.T) {
	assert.Equal(t, "202501", monthBucket("20250110"))
	assert.Equal(t, "", monthBucket("2025"))
}

func TestTableSchema_HasColumn(t *testing.T) {
	s := barsSchema()
	require.True(t, s.HasColumn("close"))
	assert.False(t, s.HasColumn("version"))
}
