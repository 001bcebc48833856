// Package moneyflow ingests per-security daily money flow broken down by
// order size bucket.
package moneyflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "moneyflow"

var fields = []string{
	"ts_code", "trade_date",
	"buy_sm_vol", "buy_sm_amount", "sell_sm_vol", "sell_sm_amount",
	"buy_md_vol", "buy_md_amount", "sell_md_vol", "sell_md_amount",
	"buy_lg_vol", "buy_lg_amount", "sell_lg_vol", "sell_lg_amount",
	"buy_elg_vol", "buy_elg_amount", "sell_elg_vol", "sell_elg_amount",
	"net_mf_vol", "net_mf_amount",
}

var numericCols = fields[2:]

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests daily money flow.
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
		log:    log.With().Str("plugin", "moneyflow").Logger(),
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
		Name:            "moneyflow",
		Columns:         cols,
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "moneyflow",
		Category:  "stock",
		Role:      plugin.RoleAuxiliary,
		DependsOn: []string{"dailybars"},
		DepGating: plugin.GateSameDate,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "flows",
				Description: "Money flow series for one security.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, buy_lg_amount, sell_lg_amount, buy_elg_amount, sell_elg_amount, net_mf_amount
					FROM %s WHERE ts_code = ? AND trade_date >= ? AND trade_date <= ?
					ORDER BY trade_date`, p.schema.LatestView()),
			},
			{
				Name:        "top_inflow",
				Description: "Largest net inflows on one trading day.",
				Params: []plugin.QueryParam{
					{Name: "trade_date", Type: "string", Required: true},
					{Name: "limit", Type: "int", Required: false, Default: 20},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, net_mf_vol, net_mf_amount
					FROM %s WHERE trade_date = ? AND net_mf_amount IS NOT NULL
					ORDER BY net_mf_amount DESC LIMIT ?`, p.schema.LatestView()),
			},
		},
	}
}

func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"trade_date": params.TradeDate,
	}, fields)
	if err != nil {
		return nil, fmt.Errorf("moneyflow %s: %w", params.TradeDate, err)
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	return plugin.ValidateBatch(p.schema, rows)
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
