// Package plugin defines the contract every data-source plugin implements
// and the registry that resolves plugin dependency order.
//
// A plugin moves data in four steps: Extract pulls raw records from the
// upstream provider (or, for derived plugins, from the local store),
// Validate gates the batch on business-key and domain invariants, Transform
// normalizes types and dates, Load appends to the market store. Failure of
// any step is a task-level outcome, never a process crash.
package plugin

import (
	"context"

	"github.com/quantflow/quantflow/internal/marketstore"
)

// Role classifies where a plugin sits in the data flow.
type Role string

const (
	// RoleBasic is reference data other plugins depend on (calendar, listings).
	RoleBasic Role = "basic"
	// RolePrimary is fact data pulled directly from the upstream provider.
	RolePrimary Role = "primary"
	// RoleDerived is computed locally from other plugins' stored data.
	RoleDerived Role = "derived"
	// RoleAuxiliary is supplementary data that nothing depends on.
	RoleAuxiliary Role = "auxiliary"
)

// Frequency is how often a plugin's data is published upstream.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyStatic Frequency = "static" // reference data without a date axis
)

// Schedule declares when a plugin wants to run.
type Schedule struct {
	Frequency Frequency
	At        string // time-of-day hint, "HH:MM"
}

// DepGating controls how dependents gate on this plugin's data.
type DepGating int

const (
	// GateSameDate requires a completed ingestion for the exact trade date.
	// The stricter default.
	GateSameDate DepGating = iota
	// GateAnyCompleted requires any completed ingestion at all. Used by
	// static reference tables (e.g. stock listings) whose data is not
	// keyed by trade date.
	GateAnyCompleted
)

// QueryParam declares one typed parameter of a query method.
type QueryParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string | int | float
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// QueryMethod declares a named read-only query a plugin exposes.
// SQL must use ? placeholders bound in Params order; the query service
// never interpolates user input into SQL text.
type QueryMethod struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Params      []QueryParam `json:"params"`
	SQL         string       `json:"-"`
}

// Descriptor is a plugin's static metadata, immutable for the process
// lifetime once registered.
type Descriptor struct {
	Name         string
	Category     string // market segment, e.g. "stock", "market", "reference"
	Role         Role
	DependsOn    []string // hard dependencies: data must be present first
	OptionalDeps []string // co-scheduled, failure does not block this plugin
	DepGating    DepGating
	Schedule     Schedule
	Tables       []marketstore.TableSchema
	QueryMethods []QueryMethod
}

// PrimaryTable returns the first declared table, which by convention is the
// plugin's main fact table.
func (d Descriptor) PrimaryTable() marketstore.TableSchema {
	if len(d.Tables) == 0 {
		return marketstore.TableSchema{}
	}
	return d.Tables[0]
}

// ExtractParams carries the date scope and source-specific filters of one
// extract invocation. Either TradeDate or the Start/End range is set.
type ExtractParams struct {
	TradeDate string            // single date, YYYYMMDD
	StartDate string            // inclusive range start, YYYYMMDD
	EndDate   string            // inclusive range end, YYYYMMDD
	Filters   map[string]string // e.g. listing status
}

// LoadResult reports what a Load call wrote, per target table.
type LoadResult struct {
	Tables map[string]int64 // table name -> rows written
}

// TotalRows returns the row count summed over all target tables.
func (r *LoadResult) TotalRows() int64 {
	var total int64
	for _, n := range r.Tables {
		total += n
	}
	return total
}

// ValidationResult reports the outcome of the Validate step. A failed
// validation aborts Load for the batch but is recorded, not raised.
type ValidationResult struct {
	OK      bool
	Reasons []string
}

// Fail records a validation failure reason.
func (v *ValidationResult) Fail(reason string) {
	v.OK = false
	v.Reasons = append(v.Reasons, reason)
}

// Valid returns a passing validation result.
func Valid() *ValidationResult {
	return &ValidationResult{OK: true}
}

// Plugin is the contract every data source implements.
//
// Extract must return an empty slice (not an error) when the upstream has no
// data for the requested period; that is the expected outcome on non-trading
// days. Validate and Transform are pure. Load assigns version and
// ingested_at via the market store and reports per-table row counts.
type Plugin interface {
	Descriptor() Descriptor
	Extract(ctx context.Context, params ExtractParams) ([]marketstore.Row, error)
	Validate(rows []marketstore.Row) *ValidationResult
	Transform(rows []marketstore.Row) []marketstore.Row
	Load(ctx context.Context, rows []marketstore.Row) (*LoadResult, error)
}
