// Package tradecal ingests the exchange trading calendar. It is the one
// plugin allowed to run before any calendar data exists, so its extract
// defaults to an explicit wide date range instead of asking the calendar.
package tradecal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/clientcache"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "trade_cal"

var fields = []string{"exchange", "cal_date", "is_open", "pretrade_date"}

// fetcher is the upstream surface this plugin needs.
type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests the trading calendar for one exchange.
type Plugin struct {
	client   fetcher
	store    *marketstore.Store
	cache    *clientcache.Repository
	exchange string
	schema   marketstore.TableSchema
	log      zerolog.Logger
}

// New creates the trading-calendar plugin. cache may be nil to always go
// upstream.
func New(client fetcher, store *marketstore.Store, cache *clientcache.Repository, exchange string, log zerolog.Logger) *Plugin {
	return &Plugin{
		client:   client,
		store:    store,
		cache:    cache,
		exchange: exchange,
		schema:   Schema(),
		log:      log.With().Str("plugin", "tradecal").Logger(),
	}
}

// Schema is the calendar table layout.
func Schema() marketstore.TableSchema {
	return marketstore.TableSchema{
		Name: "trade_cal",
		Columns: []marketstore.Column{
			{Name: "exchange", Type: marketstore.TypeVarchar},
			{Name: "cal_date", Type: marketstore.TypeVarchar, Comment: "YYYYMMDD"},
			{Name: "is_open", Type: marketstore.TypeInteger},
			{Name: "pretrade_date", Type: marketstore.TypeVarchar, Nullable: true},
		},
		BusinessKey: []string{"exchange", "cal_date"},
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "tradecal",
		Category:  "reference",
		Role:      plugin.RoleBasic,
		DepGating: plugin.GateAnyCompleted,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyStatic},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "calendar",
				Description: "Calendar days with open/closed flag in a date range.",
				Params: []plugin.QueryParam{
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT cal_date, is_open, pretrade_date FROM %s
					WHERE cal_date >= ? AND cal_date <= ? ORDER BY cal_date`, p.schema.LatestView()),
			},
			{
				Name:        "is_open",
				Description: "Whether the exchange is open on one date.",
				Params: []plugin.QueryParam{
					{Name: "date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT cal_date, is_open FROM %s
					WHERE cal_date = ?`, p.schema.LatestView()),
			},
		},
	}
}

// Extract pulls the calendar. Without explicit bounds it covers last year
// through the end of the current year, which is what the bootstrap run
// needs. The calendar changes at most yearly, so a fresh cached copy of the
// same range is served without an upstream call, and a stale copy is served
// when the upstream fails.
func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	start, end := params.StartDate, params.EndDate
	if start == "" || end == "" {
		now := time.Now()
		start = fmt.Sprintf("%d0101", now.Year()-1)
		end = fmt.Sprintf("%d1231", now.Year())
	}

	cacheKey := clientcache.Key(apiName, fmt.Sprintf("%s:%s:%s", p.exchange, start, end))
	if p.cache != nil {
		var cached []marketstore.Row
		if found, err := p.cache.GetIfFresh(cacheKey, &cached); err == nil && found {
			p.log.Debug().Int("rows", len(cached)).Msg("Serving calendar from cache")
			return cached, nil
		}
	}

	rows, err := p.client.Query(ctx, apiName, map[string]string{
		"exchange":   p.exchange,
		"start_date": start,
		"end_date":   end,
	}, fields)
	if err != nil {
		if p.cache != nil {
			var cached []marketstore.Row
			if found, cacheErr := p.cache.Get(cacheKey, &cached); cacheErr == nil && found {
				p.log.Warn().Err(err).Int("rows", len(cached)).Msg("Upstream failed, serving cached calendar")
				return cached, nil
			}
		}
		return nil, fmt.Errorf("trade_cal %s..%s: %w", start, end, err)
	}

	if p.cache != nil && len(rows) > 0 {
		if err := p.cache.Store(cacheKey, apiName, rows, clientcache.TTLCalendar); err != nil {
			p.log.Warn().Err(err).Msg("Failed to cache calendar")
		}
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		if open, ok := plugin.Float(row, "is_open"); !ok || (open != 0 && open != 1) {
			result.Fail(fmt.Sprintf("row %d: is_open must be 0 or 1", i))
		}
	}
	return result
}

// Transform normalizes is_open to an integer; the upstream sometimes sends
// it as a string.
func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	for _, row := range rows {
		if open, ok := plugin.Float(row, "is_open"); ok {
			row["is_open"] = int(open)
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
