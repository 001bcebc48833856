// Package stockbasic ingests the listed-stock roster. The roster changes
// only with IPOs and delistings, so responses are cached and served as a
// stale fallback when the upstream is down.
package stockbasic

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/clientcache"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const apiName = "stock_basic"

var fields = []string{
	"ts_code", "symbol", "name", "area", "industry", "market",
	"exchange", "list_status", "list_date", "delist_date",
}

type fetcher interface {
	Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error)
}

// Plugin ingests the stock roster.
type Plugin struct {
	client fetcher
	store  *marketstore.Store
	cache  *clientcache.Repository
	schema marketstore.TableSchema
	log    zerolog.Logger
}

// New creates the stock-roster plugin. cache may be nil to disable the
// cache-first behavior.
func New(client fetcher, store *marketstore.Store, cache *clientcache.Repository, log zerolog.Logger) *Plugin {
	return &Plugin{
		client: client,
		store:  store,
		cache:  cache,
		schema: Schema(),
		log:    log.With().Str("plugin", "stockbasic").Logger(),
	}
}

// Schema is the roster table layout.
func Schema() marketstore.TableSchema {
	return marketstore.TableSchema{
		Name: "stock_basic",
		Columns: []marketstore.Column{
			{Name: "ts_code", Type: marketstore.TypeVarchar},
			{Name: "symbol", Type: marketstore.TypeVarchar},
			{Name: "name", Type: marketstore.TypeVarchar},
			{Name: "area", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "industry", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "market", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "exchange", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "list_status", Type: marketstore.TypeVarchar},
			{Name: "list_date", Type: marketstore.TypeVarchar, Nullable: true},
			{Name: "delist_date", Type: marketstore.TypeVarchar, Nullable: true},
		},
		BusinessKey: []string{"ts_code"},
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "stockbasic",
		Category:  "reference",
		Role:      plugin.RoleBasic,
		DepGating: plugin.GateAnyCompleted,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyStatic},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "profile",
				Description: "Listing profile of one security.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, symbol, name, area, industry, market, list_status, list_date
					FROM %s WHERE ts_code = ?`, p.schema.LatestView()),
			},
			{
				Name:        "by_industry",
				Description: "Listed securities in one industry.",
				Params: []plugin.QueryParam{
					{Name: "industry", Type: "string", Required: true},
					{Name: "limit", Type: "int", Required: false, Default: 100},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, name, industry, market, list_date FROM %s
					WHERE industry = ? AND list_status = 'L' ORDER BY ts_code LIMIT ?`, p.schema.LatestView()),
			},
		},
	}
}

// Extract pulls the roster, list_status filterable ('L' listed, 'D'
// delisted, 'P' pending; default all three so delistings are visible).
// On upstream failure a stale cached roster is returned instead.
func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	query := map[string]string{}
	cacheKey := clientcache.Key(apiName, "all")
	if status := params.Filters["list_status"]; status != "" {
		query["list_status"] = status
		cacheKey = clientcache.Key(apiName, status)
	}

	rows, err := p.client.Query(ctx, apiName, query, fields)
	if err != nil {
		if p.cache != nil {
			var cached []marketstore.Row
			if found, cacheErr := p.cache.Get(cacheKey, &cached); cacheErr == nil && found {
				p.log.Warn().Err(err).Int("rows", len(cached)).Msg("Upstream failed, serving cached roster")
				return cached, nil
			}
		}
		return nil, fmt.Errorf("stock_basic: %w", err)
	}

	if p.cache != nil && len(rows) > 0 {
		if err := p.cache.Store(cacheKey, apiName, rows, clientcache.TTLStockRoster); err != nil {
			p.log.Warn().Err(err).Msg("Failed to cache roster")
		}
	}
	return rows, nil
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		switch plugin.String(row, "list_status") {
		case "L", "D", "P":
		default:
			result.Fail(fmt.Sprintf("row %d: unknown list_status %q", i, plugin.String(row, "list_status")))
		}
	}
	return result
}

func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row { return rows }

func (p *Plugin) Load(ctx context.Context, rows []marketstore.Row) (*plugin.LoadResult, error) {
	n, err := p.store.Append(ctx, p.schema, rows, p.store.NextVersion())
	if err != nil {
		return nil, err
	}
	return &plugin.LoadResult{Tables: map[string]int64{p.schema.Name: n}}, nil
}
