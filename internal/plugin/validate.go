package plugin

import (
	"fmt"
	"strconv"

	"github.com/quantflow/quantflow/internal/marketstore"
)

// ValidateBatch runs the shared structural checks every plugin applies
// before Load: business-key columns present and non-empty, declared
// non-nullable columns non-nil. Plugins layer domain invariants (OHLC
// ordering, limit consistency) on top of this.
func ValidateBatch(schema marketstore.TableSchema, rows []marketstore.Row) *ValidationResult {
	result := Valid()

	nonNullable := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		if !col.Nullable {
			nonNullable = append(nonNullable, col.Name)
		}
	}

	for i, row := range rows {
		for _, key := range schema.BusinessKey {
			val, ok := row[key]
			if !ok || val == nil {
				result.Fail(fmt.Sprintf("row %d: business key column %s is missing", i, key))
				continue
			}
			if s, isStr := val.(string); isStr && s == "" {
				result.Fail(fmt.Sprintf("row %d: business key column %s is empty", i, key))
			}
		}
		for _, col := range nonNullable {
			if val, ok := row[col]; !ok || val == nil {
				result.Fail(fmt.Sprintf("row %d: required column %s is null", i, col))
			}
		}
	}

	return result
}

// Float reads a numeric column, coercing common encodings: floats and
// numeric strings from upstream payloads, and the full signed/unsigned
// integer family the database drivers hand back (DuckDB scans INTEGER
// columns as int32). The second return is false when the value is absent
// or not numeric.
func Float(row marketstore.Row, col string) (float64, bool) {
	val, ok := row[col]
	if !ok || val == nil {
		return 0, false
	}

	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int16:
		return float64(v), true
	case int8:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// String reads a string column; absent or non-string values yield "".
func String(row marketstore.Row, col string) string {
	if val, ok := row[col]; ok {
		if s, isStr := val.(string); isStr {
			return s
		}
	}
	return ""
}
