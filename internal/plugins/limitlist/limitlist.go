// Package limitlist ingests the daily limit-up / limit-down roster.
package limitlist

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "limit_list_d"

var fields = []string{
	"ts_code", "trade_date", "name", "close", "pct_chg",
	"limit_type", "limit_times", "open_times", "first_time", "last_time",
	"fd_amount", "limit_amount", "turnover_ratio",
}

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests the daily limit list.
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
		log:    log.With().Str("plugin", "limitlist").Logger(),
	}
}

func Schema() marketstore.TableSchema {
	return marketstore.TableSchema{
		Name: "limit_list",
		Columns: []marketstore.Column{
			{Name: "ts_code", Type: marketstore.TypeVarchar},
			{Name: "trade_date", Type: marketstore.TypeVarchar},
			{Name: "name", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "close", Type: marketstore.TypeDouble},
			{Name: "pct_chg", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "limit_type", Type: marketstore.TypeVarchar, Comment: "U limit-up, D limit-down, Z touched"},
			{Name: "limit_times", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "open_times", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "first_time", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "last_time", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "fd_amount", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "limit_amount", Type: marketstore.TypeDouble, Nullable: true},
			{Name: "turnover_ratio", Type: marketstore.TypeDouble, Nullable: true},
		},
		BusinessKey:     []string{"ts_code", "trade_date", "limit_type"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "limitlist",
		Category:  "stock",
		Role:      plugin.RoleDerived,
		DependsOn: []string{"dailybars"},
		DepGating: plugin.GateSameDate,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "on_date",
				Description: "Limit list for one trading day, optionally filtered by type.",
				Params: []plugin.QueryParam{
					{Name: "trade_date", Type: "string", Required: true},
					{Name: "limit_type", Type: "string", Required: false, Default: "U"},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, name, close, pct_chg, limit_type, limit_times, open_times, fd_amount
					FROM %s WHERE trade_date = ? AND limit_type = ?
					ORDER BY fd_amount DESC NULLS LAST`, p.schema.LatestView()),
			},
			{
				Name:        "streaks",
				Description: "Securities hitting the limit repeatedly in a date range.",
				Params: []plugin.QueryParam{
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
					{Name: "min_days", Type: "int", Required: false, Default: 2},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, count(*) AS days
					FROM %s WHERE trade_date >= ? AND trade_date <= ? AND limit_type = 'U'
					GROUP BY ts_code HAVING count(*) >= ? ORDER BY days DESC`, p.schema.LatestView()),
			},
		},
	}
}

func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"trade_date": params.TradeDate,
	}, fields)
	if err != nil {
		return nil, fmt.Errorf("limit_list_d %s: %w", params.TradeDate, err)
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		switch t := plugin.String(row, "limit_type"); t {
		case "U", "D", "Z":
		default:
			result.Fail(fmt.Sprintf("row %d (%s): unknown limit_type %q", i, plugin.String(row, "ts_code"), t))
		}
		if c, ok := plugin.Float(row, "close"); ok && c <= 0 {
			result.Fail(fmt.Sprintf("row %d (%s): non-positive close", i, plugin.String(row, "ts_code")))
		}
	}
	return result
}

func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	numeric := []string{"close", "pct_chg", "limit_times", "open_times", "fd_amount", "limit_amount", "turnover_ratio"}
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
