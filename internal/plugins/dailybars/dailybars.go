// Package dailybars ingests end-of-day OHLCV bars, the backbone fact table
// most other plugins hang off.
package dailybars

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "daily"

var fields = []string{
	"ts_code", "trade_date", "open", "high", "low", "close",
	"pre_close", "change", "pct_chg", "vol", "amount",
}

// maxValidationReasons bounds the failure detail; one bad upstream batch
// can contain thousands of broken rows.
const maxValidationReasons = 20

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests daily OHLCV bars.
type Plugin struct {
	client fetcher
	store  *marketstore.Store
	schema marketstore.TableSchema
	log    zerolog.Logger
}

// New creates the daily-bars plugin.
func New(client fetcher, store *marketstore.Store, log zerolog.Logger) *Plugin {
	return &Plugin{
		client: client,
		store:  store,
		schema: Schema(),
		log:    log.With().Str("plugin", "dailybars").Logger(),
	}
}

// Schema is the bars table layout.
func Schema() marketstore.TableSchema {
	return marketstore.TableSchema{
		Name: "daily_bars",
		Columns: []marketstore.Column{
			{Name: "ts_code", Type: marketstore.TypeVarchar},
			{Name: "trade_date", Type: marketstore.TypeVarchar, Comment: "YYYYMMDD"},
			{Name: "open", Type: marketstore.TypeDouble},
			{Name: "high", Type: marketstore.TypeDouble},
			{Name: "low", Type: marketstore.TypeDouble},
			{Name: "close", Type: marketstore.TypeDouble},
			{Name: "pre_close", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "change", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "pct_chg", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "vol", Type: marketstore.TypeDouble, Nullable: true, Comment: "lots"},
			{Name: "amount", Type: marketstore.TypeDouble, Nullable: true, Comment: "thousand CNY"},
		},
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "dailybars",
		Category:  "stock",
		Role:      plugin.RolePrimary,
		DependsOn: []string{"stockbasic"},
		DepGating: plugin.GateSameDate,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "bars",
				Description: "OHLCV bars for one security in a date range.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, open, high, low, close, pre_close, pct_chg, vol, amount
					FROM %s WHERE ts_code = ? AND trade_date >= ? AND trade_date <= ?
					ORDER BY trade_date`, p.schema.LatestView()),
			},
			{
				Name:        "on_date",
				Description: "All bars on one trading day, largest turnover first.",
				Params: []plugin.QueryParam{
					{Name: "trade_date", Type: "string", Required: true},
					{Name: "limit", Type: "int", Required: false, Default: 100},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, open, high, low, close, pct_chg, vol, amount
					FROM %s WHERE trade_date = ? ORDER BY amount DESC LIMIT ?`, p.schema.LatestView()),
			},
		},
	}
}

func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"trade_date": params.TradeDate,
	}, fields)
	if err != nil {
		return nil, fmt.Errorf("daily %s: %w", params.TradeDate, err)
	}
	return rows, nil
}

// Validate layers the OHLC ordering invariant on the structural checks:
// high is the bar's maximum, low its minimum, prices positive.
func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)

	reasons := 0
	for i, row := range rows {
		if reasons >= maxValidationReasons {
			result.Fail(fmt.Sprintf("further OHLC violations truncated after %d", maxValidationReasons))
			break
		}
		open, okO := plugin.Float(row, "open")
		high, okH := plugin.Float(row, "high")
		low, okL := plugin.Float(row, "low")
		closePrice, okC := plugin.Float(row, "close")
		if !okO || !okH || !okL || !okC {
			continue // structural check already reported missing columns
		}

		if open <= 0 || closePrice <= 0 {
			result.Fail(fmt.Sprintf("row %d (%s): non-positive price", i, plugin.String(row, "ts_code")))
			reasons++
			continue
		}
		if high < low || high < open || high < closePrice || low > open || low > closePrice {
			result.Fail(fmt.Sprintf("row %d (%s): OHLC ordering violated", i, plugin.String(row, "ts_code")))
			reasons++
		}
	}
	return result
}

// Transform coerces numeric columns; the upstream wire format is untyped.
func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	numeric := []string{"open", "high", "low", "close", "pre_close", "change", "pct_chg", "vol", "amount"}
	for _, row := range rows {
		for _, col := range numeric {
			if v, ok := plugin.Float(row, col); ok {
				row[col] = v
			}
		}
	}
	return rows
}

func (p *Plugin) Load(ctx context.Context, rows []marketstore.Row) (*plugin.LoadResult, error) {
	n, err := p.store.Append(ctx, p.schema, rows, p.store.NextVersion())
	if err != nil {
		return nil, err
	}
	return &plugin.LoadResult{Tables: map[string]int64{p.schema.Name: n}}, nil
}
