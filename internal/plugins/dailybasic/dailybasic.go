// Package dailybasic ingests per-security daily valuation and liquidity
// indicators (turnover, PE, PB, market cap).
package dailybasic

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "daily_basic"

var fields = []string{
	"ts_code", "trade_date", "close", "turnover_rate", "turnover_rate_f",
	"volume_ratio", "pe", "pe_ttm", "pb", "ps", "ps_ttm", "dv_ratio",
	"dv_ttm", "total_share", "float_share", "free_share", "total_mv", "circ_mv",
}

var numericCols = fields[2:]

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests daily valuation indicators.
type Plugin struct {
	client fetcher
	store  *marketstore.Store
	schema marketstore.TableSchema
	log    zerolog.Logger
}

func New(client fetcher, store *marketstore.Store, log zerolog.Logger) *Plugin {
	return &Plugin{
		client: client,
		store:  store,
		schema: Schema(),
		log:    log.With().Str("plugin", "dailybasic").Logger(),
	}
}

func Schema() marketstore.TableSchema {
	cols := []marketstore.Column{
		{Name: "ts_code", Type: marketstore.TypeVarchar},
		{Name: "trade_date", Type: marketstore.TypeVarchar},
	}
	for _, name := range numericCols {
		cols = append(cols, marketstore.Column{Name: name, Type: marketstore.TypeDouble, Nullable: true})
	}
	return marketstore.TableSchema{
		Name:            "daily_basic",
		Columns:         cols,
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "dailybasic",
		Category:     "stock",
		Role:         plugin.RolePrimary,
		DependsOn:    []string{"stockbasic"},
		OptionalDeps: []string{"dailybars"},
		DepGating:    plugin.GateSameDate,
		Schedule:     plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:       []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "valuation",
				Description: "Valuation series for one security.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, close, turnover_rate, pe, pe_ttm, pb, total_mv, circ_mv
					FROM %s WHERE ts_code = ? AND trade_date >= ? AND trade_date <= ?
					ORDER BY trade_date`, p.schema.LatestView()),
			},
			{
				Name:        "screen",
				Description: "Securities on one day below a PE-TTM ceiling, cheapest first.",
				Params: []plugin.QueryParam{
					{Name: "trade_date", Type: "string", Required: true},
					{Name: "max_pe_ttm", Type: "float", Required: false, Default: 20.0},
					{Name: "limit", Type: "int", Required: false, Default: 50},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, close, pe_ttm, pb, total_mv
					FROM %s WHERE trade_date = ? AND pe_ttm IS NOT NULL AND pe_ttm > 0 AND pe_ttm <= ?
					ORDER BY pe_ttm LIMIT ?`, p.schema.LatestView()),
			},
		},
	}
}

func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"trade_date": params.TradeDate,
	}, fields)
	if err != nil {
		return nil, fmt.Errorf("daily_basic %s: %w", params.TradeDate, err)
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		if mv, ok := plugin.Float(row, "total_mv"); ok && mv < 0 {
			result.Fail(fmt.Sprintf("row %d (%s): negative total_mv", i, plugin.String(row, "ts_code")))
		}
		if tr, ok := plugin.Float(row, "turnover_rate"); ok && tr < 0 {
			result.Fail(fmt.Sprintf("row %d (%s): negative turnover_rate", i, plugin.String(row, "ts_code")))
		}
	}
	return result
}

func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	for _, row := range rows {
		for _, col := range numericCols {
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
