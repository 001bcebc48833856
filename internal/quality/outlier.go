package quality

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/marketstore"
)

// OutlierCheck flags implausible price jumps: for each security it
// computes log returns over a trailing window and scores them against the
// security's own return distribution. A-share price limits make genuine
// ten-sigma daily moves near impossible; such points are almost always
// ingestion artifacts (missed adjustment factor, decimal shift).
type OutlierCheck struct {
	store        *marketstore.Store
	plugin       string
	schema       marketstore.TableSchema
	lookbackDays int
	threshold    float64
	minSamples   int
}

// NewOutlierCheck creates a z-score outlier check over the bars table.
// The schema must declare ts_code, trade_date and close columns.
func NewOutlierCheck(store *marketstore.Store, pluginName string, schema marketstore.TableSchema, lookbackDays int, threshold float64) *OutlierCheck {
	if lookbackDays <= 0 {
		lookbackDays = 60
	}
	if threshold <= 0 {
		threshold = 6
	}
	return &OutlierCheck{
		store:        store,
		plugin:       pluginName,
		schema:       schema,
		lookbackDays: lookbackDays,
		threshold:    threshold,
		minSamples:   10,
	}
}

func (c *OutlierCheck) Name() string { return "price_jump_outliers" }

func (c *OutlierCheck) Run(ctx context.Context) ([]Finding, error) {
	exists, err := c.store.TableExists(ctx, c.schema.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	fromDate := time.Now().AddDate(0, 0, -c.lookbackDays).Format("20060102")

	query := fmt.Sprintf(`SELECT ts_code, close FROM %s
		WHERE trade_date >= ? AND close > 0
		ORDER BY ts_code, trade_date`, c.schema.LatestView())

	rows, err := c.store.Conn().QueryContext(ctx, query, fromDate)
	if err != nil {
		return nil, fmt.Errorf("outlier query on %s: %w", c.schema.Name, err)
	}
	defer rows.Close()

	closes := make(map[string][]float64)
	var order []string
	for rows.Next() {
		var tsCode string
		var closePrice float64
		if err := rows.Scan(&tsCode, &closePrice); err != nil {
			return nil, err
		}
		if _, seen := closes[tsCode]; !seen {
			order = append(order, tsCode)
		}
		closes[tsCode] = append(closes[tsCode], closePrice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	outliers := 0
	flagged := 0
	for _, tsCode := range order {
		n := c.countOutliers(closes[tsCode])
		if n > 0 {
			outliers += n
			flagged++
		}
	}

	finding := Finding{
		Plugin:   c.plugin,
		Table:    c.schema.Name,
		Check:    c.Name(),
		Severity: audit.SeverityWarning,
		Passed:   outliers == 0,
	}
	if outliers > 0 {
		finding.Detail = fmt.Sprintf("%d outlier returns (|z| > %.1f) across %d securities", outliers, c.threshold, flagged)
	}
	return []Finding{finding}, nil
}

// countOutliers scores a security's log returns against their own mean and
// standard deviation.
func (c *OutlierCheck) countOutliers(series []float64) int {
	if len(series) < c.minSamples+1 {
		return 0
	}

	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		returns = append(returns, math.Log(series[i]/series[i-1]))
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}

	n := 0
	for _, r := range returns {
		if math.Abs(r-mean)/std > c.threshold {
			n++
		}
	}
	return n
}
