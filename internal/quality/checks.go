package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/gaps"
	"github.com/quantflow/quantflow/internal/marketstore"
)

// CompletenessCheck compares each daily table against the trading calendar
// over a trailing window. It reuses the gap detector; the finding carries
// the missing dates.
type CompletenessCheck struct {
	detector *gaps.Detector
	lookback time.Duration
}

// NewCompletenessCheck creates a completeness check with the given
// trailing window.
func NewCompletenessCheck(detector *gaps.Detector, lookback time.Duration) *CompletenessCheck {
	return &CompletenessCheck{detector: detector, lookback: lookback}
}

func (c *CompletenessCheck) Name() string { return "completeness" }

func (c *CompletenessCheck) Run(ctx context.Context) ([]Finding, error) {
	report, err := c.detector.DetectLookback(ctx, c.lookback)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, pg := range report.Plugins {
		findings = append(findings, Finding{
			Plugin:   pg.Plugin,
			Table:    pg.Table,
			Check:    c.Name(),
			Severity: audit.SeverityWarning,
			Passed:   false,
			Detail:   fmt.Sprintf("%d trading days missing: %s", len(pg.MissingDates), strings.Join(pg.MissingDates, ", ")),
		})
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Check:    c.Name(),
			Severity: audit.SeverityInfo,
			Passed:   true,
			Detail:   fmt.Sprintf("all daily tables complete over %s..%s", report.From, report.To),
		})
	}
	return findings, nil
}

// OHLCCheck verifies price-bar ordering invariants on the latest rows:
// high is the day's maximum, low the minimum, all prices positive.
type OHLCCheck struct {
	store  *marketstore.Store
	plugin string
	schema marketstore.TableSchema
}

// NewOHLCCheck creates an OHLC ordering check for one bars table. The
// schema must declare open, high, low and close columns.
func NewOHLCCheck(store *marketstore.Store, pluginName string, schema marketstore.TableSchema) *OHLCCheck {
	return &OHLCCheck{store: store, plugin: pluginName, schema: schema}
}

func (c *OHLCCheck) Name() string { return "ohlc_ordering" }

func (c *OHLCCheck) Run(ctx context.Context) ([]Finding, error) {
	exists, err := c.store.TableExists(ctx, c.schema.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) AS violations FROM %s AS bars
		WHERE high < low
		   OR high < open OR high < close
		   OR low  > open OR low  > close
		   OR open <= 0 OR close <= 0`, c.schema.LatestView())

	rows, err := c.store.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ohlc query on %s: %w", c.schema.Name, err)
	}
	defer rows.Close()

	var violations int64
	if rows.Next() {
		if err := rows.Scan(&violations); err != nil {
			return nil, err
		}
	}

	finding := Finding{
		Plugin:   c.plugin,
		Table:    c.schema.Name,
		Check:    c.Name(),
		Severity: audit.SeverityCritical,
		Passed:   violations == 0,
	}
	if violations > 0 {
		finding.Detail = fmt.Sprintf("%d rows violate OHLC ordering", violations)
	}
	return []Finding{finding}, nil
}

// LimitConsistencyCheck cross-checks the limit-up/down list against the
// daily bars: a row in the limit list must reference a bar that exists for
// the same security and date, with a matching close price.
type LimitConsistencyCheck struct {
	store       *marketstore.Store
	plugin      string
	limitSchema marketstore.TableSchema
	barsSchema  marketstore.TableSchema
}

// NewLimitConsistencyCheck creates the cross-table consistency check.
// Both schemas must declare ts_code, trade_date and close columns.
func NewLimitConsistencyCheck(store *marketstore.Store, pluginName string, limitSchema, barsSchema marketstore.TableSchema) *LimitConsistencyCheck {
	return &LimitConsistencyCheck{
		store:       store,
		plugin:      pluginName,
		limitSchema: limitSchema,
		barsSchema:  barsSchema,
	}
}

func (c *LimitConsistencyCheck) Name() string { return "limit_consistency" }

func (c *LimitConsistencyCheck) Run(ctx context.Context) ([]Finding, error) {
	for _, table := range []string{c.limitSchema.Name, c.barsSchema.Name} {
		exists, err := c.store.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s AS lim
		LEFT JOIN %s AS bars
		       ON lim.ts_code = bars.ts_code AND lim.trade_date = bars.trade_date
		WHERE bars.ts_code IS NULL
		   OR abs(lim.close - bars.close) > 0.01`,
		c.limitSchema.LatestView(), c.barsSchema.LatestView())

	var mismatches int64
	if err := c.store.Conn().QueryRowContext(ctx, query).Scan(&mismatches); err != nil {
		return nil, fmt.Errorf("limit consistency query: %w", err)
	}

	finding := Finding{
		Plugin:   c.plugin,
		Table:    c.limitSchema.Name,
		Check:    c.Name(),
		Severity: audit.SeverityWarning,
		Passed:   mismatches == 0,
	}
	if mismatches > 0 {
		finding.Detail = fmt.Sprintf("%d limit-list rows disagree with daily bars", mismatches)
	}
	return []Finding{finding}, nil
}
