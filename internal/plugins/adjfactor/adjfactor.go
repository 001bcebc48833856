// Package adjfactor ingests cumulative price adjustment factors used to
// reconstruct forward/backward adjusted series from raw bars.
package adjfactor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "adj_factor"

var fields = []string{"ts_code", "trade_date", "adj_factor"}

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests daily adjustment factors.
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
		log:    log.With().Str("plugin", "adjfactor").Logger(),
	}
}

func Schema() marketstore.TableSchema {
	return marketstore.TableSchema{
		Name: "adj_factor",
		Columns: []marketstore.Column{
			{Name: "ts_code", Type: marketstore.TypeVarchar},
			{Name: "trade_date", Type: marketstore.TypeVarchar},
			{Name: "adj_factor", Type: marketstore.TypeDouble, Comment: "cumulative, monotone within a security"},
		},
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "adjfactor",
		Category:  "stock",
		Role:      plugin.RolePrimary,
		DependsOn: []string{"stockbasic"},
		DepGating: plugin.GateSameDate,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "factors",
				Description: "Adjustment factor series for one security.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, adj_factor
					FROM %s WHERE ts_code = ? AND trade_date >= ? AND trade_date <= ?
					ORDER BY trade_date`, p.schema.LatestView()),
			},
		},
	}
}

func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"trade_date": params.TradeDate,
	}, fields)
	if err != nil {
		return nil, fmt.Errorf("adj_factor %s: %w", params.TradeDate, err)
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		if f, ok := plugin.Float(row, "adj_factor"); ok && f <= 0 {
			result.Fail(fmt.Sprintf("row %d (%s): non-positive adj_factor", i, plugin.String(row, "ts_code")))
		}
	}
	return result
}

func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	for _, row := range rows {
		if f, ok := plugin.Float(row, "adj_factor"); ok {
			row["adj_factor"] = f
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
