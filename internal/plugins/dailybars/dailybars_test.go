package dailybars

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

type stubFetcher struct {
	rows       []marketstore.Row
	err        error
	lastAPI    string
	lastParams map[string]string
}

func (s *stubFetcher) Query(_ context.Context, apiName string, params map[string]string, _ []string) ([]marketstore.Row, error) {
	s.lastAPI = apiName
	s.lastParams = params
	return s.rows, s.err
}

func goodBar(code string) marketstore.Row {
	return marketstore.Row{
		"ts_code": code, "trade_date": "20250106",
		"open": 10.0, "high": 10.5, "low": 9.8, "close": 10.2,
		"pre_close": 9.9, "change": 0.3, "pct_chg": 3.03,
		"vol": 120000.0, "amount": 123456.7,
	}
}

func TestDescriptor(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())
	desc := p.Descriptor()

	assert.Equal(t, "dailybars", desc.Name)
	assert.Equal(t, plugin.RolePrimary, desc.Role)
	assert.Equal(t, plugin.FrequencyDaily, desc.Schedule.Frequency)
	assert.Equal(t, plugin.GateSameDate, desc.DepGating)
	assert.Equal(t, []string{"stockbasic"}, desc.DependsOn)
	assert.Equal(t, "trade_date", desc.PrimaryTable().PartitionColumn)
}

func TestExtract_QueriesByTradeDate(t *testing.T) {
	fetcher := &stubFetcher{rows: []marketstore.Row{goodBar("600000.SH")}}
	p := New(fetcher, nil, zerolog.Nop())

	rows, err := p.Extract(context.Background(), plugin.ExtractParams{TradeDate: "20250106"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, "daily", fetcher.lastAPI)
	assert.Equal(t, "20250106", fetcher.lastParams["trade_date"])
}

func TestExtract_WrapsError(t *testing.T) {
	p := New(&stubFetcher{err: errors.New("timeout")}, nil, zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{TradeDate: "20250106"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20250106")
}

func TestValidate_AcceptsWellFormedBars(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())
	result := p.Validate([]marketstore.Row{goodBar("600000.SH"), goodBar("000001.SZ")})
	assert.True(t, result.OK)
}

func TestValidate_RejectsOHLCViolations(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())

	highBelowLow := goodBar("600000.SH")
	highBelowLow["high"] = 9.0

	closeAboveHigh := goodBar("000001.SZ")
	closeAboveHigh["close"] = 11.0

	negative := goodBar("300750.SZ")
	negative["open"] = -1.0
	negative["low"] = -1.0

	result := p.Validate([]marketstore.Row{highBelowLow, closeAboveHigh, negative})
	assert.False(t, result.OK)
	assert.Len(t, result.Reasons, 3)
}

func TestValidate_TruncatesReasonFlood(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())

	rows := make([]marketstore.Row, maxValidationReasons+10)
	for i := range rows {
		bad := goodBar("600000.SH")
		bad["high"] = 1.0 // below low
		rows[i] = bad
	}

	result := p.Validate(rows)
	assert.False(t, result.OK)
	assert.Len(t, result.Reasons, maxValidationReasons+1)
}

func TestTransform_CoercesNumericStrings(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())

	rows := p.Transform([]marketstore.Row{{
		"ts_code": "600000.SH", "trade_date": "20250106",
		"open": "10.0", "high": "10.5", "low": "9.8", "close": "10.2",
	}})
	assert.Equal(t, 10.5, rows[0]["high"])
	assert.Equal(t, 9.8, rows[0]["low"])
}

func TestLoadAndReadBack(t *testing.T) {
	store, err := marketstore.Open("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := New(&stubFetcher{}, store, zerolog.Nop())
	ctx := context.Background()
	_, err = store.EnsureTable(ctx, p.schema)
	require.NoError(t, err)

	result, err := p.Load(ctx, []marketstore.Row{goodBar("600000.SH")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TotalRows())

	// a revised bar supersedes the first load
	revised := goodBar("600000.SH")
	revised["close"] = 10.4
	_, err = p.Load(ctx, []marketstore.Row{revised})
	require.NoError(t, err)

	rows, err := store.SelectLatest(ctx, p.schema, "ts_code = ?", "600000.SH")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	closePrice, ok := plugin.Float(rows[0], "close")
	require.True(t, ok)
	assert.InDelta(t, 10.4, closePrice, 1e-9)
}
