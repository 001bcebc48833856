// Package stkfactor computes daily technical factors (MACD, KDJ, RSI,
// Bollinger bands) from stored bars. It is a derived plugin: Extract reads
// the local market store instead of calling upstream.
package stkfactor

import (
	"context"
	"fmt"
	"sort"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
	"github.com/quantflow/quantflow/internal/plugins/dailybars"
)

const (
	// lookbackDays is the calendar window of bars read per computation.
	// MACD(12,26,9) needs the longest warm-up; 180 calendar days leaves
	// ample trading days even across long holiday breaks.
	lookbackDays = 180

	// minBars is the shortest history a security must have before any
	// factor is emitted for it. Below this the slow EMA is still warming up.
	minBars = 35
)

var factorCols = []string{
	"macd_dif", "macd_dea", "macd",
	"kdj_k", "kdj_d", "kdj_j",
	"rsi_6", "rsi_12", "rsi_24",
	"boll_upper", "boll_mid", "boll_lower",
}

// Plugin computes technical factors from daily bars.
type Plugin struct {
	store      *marketstore.Store
	schema     marketstore.TableSchema
	barsSchema marketstore.TableSchema
	log        zerolog.Logger
}

func New(store *marketstore.Store, log zerolog.Logger) *Plugin {
	return &Plugin{
		store:      store,
		schema:     Schema(),
		barsSchema: dailybars.Schema(),
		log:        log.With().Str("plugin", "stkfactor").Logger(),
	}
}

func Schema() marketstore.TableSchema {
	cols := []marketstore.Column{
		{Name: "ts_code", Type: marketstore.TypeVarchar},
		{Name: "trade_date", Type: marketstore.TypeVarchar},
		{Name: "close", Type: marketstore.TypeDouble},
	}
	for _, name := range factorCols {
		cols = append(cols, marketstore.Column{Name: name, Type: marketstore.TypeDouble, Nullable: true})
	}
	return marketstore.TableSchema{
		Name:            "stk_factor",
		Columns:         cols,
		BusinessKey:     []string{"ts_code", "trade_date"},
		PartitionColumn: "trade_date",
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:      "stkfactor",
		Category:  "stock",
		Role:      plugin.RoleDerived,
		DependsOn: []string{"dailybars"},
		DepGating: plugin.GateSameDate,
		Schedule:  plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables:    []marketstore.TableSchema{p.schema},
		QueryMethods: []plugin.QueryMethod{
			{
				Name:        "factors",
				Description: "Technical factor series for one security.",
				Params: []plugin.QueryParam{
					{Name: "ts_code", Type: "string", Required: true},
					{Name: "start_date", Type: "string", Required: true},
					{Name: "end_date", Type: "string", Required: true},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, close, macd_dif, macd_dea, macd, kdj_k, kdj_d, kdj_j, rsi_6, rsi_12, rsi_24, boll_upper, boll_mid, boll_lower
					FROM %s WHERE ts_code = ? AND trade_date >= ? AND trade_date <= ?
					ORDER BY trade_date`, p.schema.LatestView()),
			},
			{
				Name:        "oversold",
				Description: "Securities on one day with RSI-6 below a floor.",
				Params: []plugin.QueryParam{
					{Name: "trade_date", Type: "string", Required: true},
					{Name: "max_rsi", Type: "float", Required: false, Default: 20.0},
					{Name: "limit", Type: "int", Required: false, Default: 50},
				},
				SQL: fmt.Sprintf(`SELECT ts_code, trade_date, close, rsi_6, rsi_12, kdj_j
					FROM %s WHERE trade_date = ? AND rsi_6 IS NOT NULL AND rsi_6 <= ?
					ORDER BY rsi_6 LIMIT ?`, p.schema.LatestView()),
			},
		},
	}
}

// Extract reads the trailing bar window ending at TradeDate and computes one
// factor row per security that has enough history. A date with no bars (the
// dependency gate should prevent this) yields an empty batch, not an error.
func (p *Plugin) Extract(ctx context.Context, params plugin.ExtractParams) ([]marketstore.Row, error) {
	day, err := time.Parse("20060102", params.TradeDate)
	if err != nil {
		return nil, fmt.Errorf("invalid trade date %q: %w", params.TradeDate, err)
	}
	windowStart := day.AddDate(0, 0, -lookbackDays).Format("20060102")

	bars, err := p.store.SelectLatest(ctx, p.barsSchema,
		"trade_date >= ? AND trade_date <= ?", windowStart, params.TradeDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read bars: %w", err)
	}

	series := groupBySecurity(bars)
	out := make([]marketstore.Row, 0, len(series))
	skipped := 0

	for code, bars := range series {
		if bars[len(bars)-1].date != params.TradeDate {
			continue // not traded on the target day (suspension, new listing)
		}
		if len(bars) < minBars {
			skipped++
			continue
		}
		out = append(out, computeFactors(code, bars))
	}

	if skipped > 0 {
		p.log.Debug().Int("skipped", skipped).Str("trade_date", params.TradeDate).
			Msg("Securities skipped for insufficient history")
	}
	return out, nil
}

type bar struct {
	date              string
	high, low, closeP float64
}

func groupBySecurity(rows []marketstore.Row) map[string][]bar {
	series := make(map[string][]bar)
	for _, row := range rows {
		code := plugin.String(row, "ts_code")
		high, okH := plugin.Float(row, "high")
		low, okL := plugin.Float(row, "low")
		closeP, okC := plugin.Float(row, "close")
		if code == "" || !okH || !okL || !okC {
			continue
		}
		series[code] = append(series[code], bar{
			date: plugin.String(row, "trade_date"),
			high: high, low: low, closeP: closeP,
		})
	}
	for _, bars := range series {
		sort.Slice(bars, func(i, j int) bool { return bars[i].date < bars[j].date })
	}
	return series
}

// computeFactors evaluates all indicators over the full window and keeps the
// final value of each, which belongs to the window's last trading day.
func computeFactors(code string, bars []bar) marketstore.Row {
	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[i] = b.high
		lows[i] = b.low
		closes[i] = b.closeP
	}

	dif, dea, hist := talib.Macd(closes, 12, 26, 9)
	k, d := talib.Stoch(highs, lows, closes, 9, 3, talib.SMA, 3, talib.SMA)
	upper, mid, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)

	last := n - 1
	row := marketstore.Row{
		"ts_code":    code,
		"trade_date": bars[last].date,
		"close":      closes[last],
		"macd_dif":   dif[last],
		"macd_dea":   dea[last],
		// the convention scales the histogram by 2
		"macd":       hist[last] * 2,
		"kdj_k":      k[last],
		"kdj_d":      d[last],
		"kdj_j":      3*k[last] - 2*d[last],
		"boll_upper": upper[last],
		"boll_mid":   mid[last],
		"boll_lower": lower[last],
	}
	for _, period := range []struct {
		col string
		n   int
	}{{"rsi_6", 6}, {"rsi_12", 12}, {"rsi_24", 24}} {
		rsi := talib.Rsi(closes, period.n)
		row[period.col] = rsi[last]
	}
	return row
}

func (p *Plugin) Validate(rows []marketstore.Row) *plugin.ValidationResult {
	result := plugin.ValidateBatch(p.schema, rows)
	for i, row := range rows {
		for _, col := range []string{"kdj_k", "kdj_d", "rsi_6", "rsi_12", "rsi_24"} {
			if v, ok := plugin.Float(row, col); ok && (v < -100 || v > 200) {
				result.Fail(fmt.Sprintf("row %d (%s): %s out of range: %f", i, plugin.String(row, "ts_code"), col, v))
			}
		}
	}
	return result
}

// Transform is the identity: factor rows are computed locally and already typed.
func (p *Plugin) Transform(rows []marketstore.Row) []marketstore.Row {
	return rows
}

func (p *Plugin) Load(ctx context.Context, rows []marketstore.Row) (*plugin.LoadResult, error) {
	n, err := p.store.Append(ctx, p.schema, rows, p.store.NextVersion())
	if err != nil {
		return nil, err
	}
	return &plugin.LoadResult{Tables: map[string]int64{p.schema.Name: n}}, nil
}
