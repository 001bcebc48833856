package tradecal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantflow/quantflow/internal/clientcache"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

const cacheSchema = `
CREATE TABLE client_cache (
    cache_key  TEXT PRIMARY KEY,
    api_name   TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL
);
`

type stubFetcher struct {
	rows       []marketstore.Row
	err        error
	calls      int
	lastAPI    string
	lastParams map[string]string
}

func (s *stubFetcher) Query(_ context.Context, apiName string, params map[string]string, _ []string) ([]marketstore.Row, error) {
	s.calls++
	s.lastAPI = apiName
	s.lastParams = params
	return s.rows, s.err
}

func testCache(t *testing.T) *clientcache.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(cacheSchema)
	require.NoError(t, err)
	return clientcache.NewRepository(db)
}

func testStore(t *testing.T) *marketstore.Store {
	t.Helper()
	store, err := marketstore.Open("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDescriptor(t *testing.T) {
	p := New(&stubFetcher{}, nil, nil, "SSE", zerolog.Nop())
	desc := p.Descriptor()

	assert.Equal(t, "tradecal", desc.Name)
	assert.Equal(t, plugin.RoleBasic, desc.Role)
	assert.Equal(t, plugin.FrequencyStatic, desc.Schedule.Frequency)
	assert.Equal(t, plugin.GateAnyCompleted, desc.DepGating)
	assert.Empty(t, desc.DependsOn)
	assert.Equal(t, "trade_cal", desc.PrimaryTable().Name)
	assert.Len(t, desc.QueryMethods, 2)
}

func TestExtract_DefaultsToWideRange(t *testing.T) {
	fetcher := &stubFetcher{rows: []marketstore.Row{}}
	p := New(fetcher, nil, nil, "SSE", zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{})
	require.NoError(t, err)

	now := time.Now()
	assert.Equal(t, "trade_cal", fetcher.lastAPI)
	assert.Equal(t, "SSE", fetcher.lastParams["exchange"])
	assert.Equal(t, fmt.Sprintf("%d0101", now.Year()-1), fetcher.lastParams["start_date"])
	assert.Equal(t, fmt.Sprintf("%d1231", now.Year()), fetcher.lastParams["end_date"])
}

func TestExtract_HonorsExplicitRange(t *testing.T) {
	fetcher := &stubFetcher{}
	p := New(fetcher, nil, nil, "SSE", zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{
		StartDate: "20240101", EndDate: "20240630",
	})
	require.NoError(t, err)
	assert.Equal(t, "20240101", fetcher.lastParams["start_date"])
	assert.Equal(t, "20240630", fetcher.lastParams["end_date"])
}

func TestExtract_PropagatesUpstreamError(t *testing.T) {
	p := New(&stubFetcher{err: errors.New("down")}, nil, nil, "SSE", zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trade_cal")
}

func calRow(date string, open int) marketstore.Row {
	return marketstore.Row{
		"exchange": "SSE", "cal_date": date, "is_open": open, "pretrade_date": nil,
	}
}

func TestExtract_ServesFreshCacheWithoutUpstreamCall(t *testing.T) {
	cache := testCache(t)
	fetcher := &stubFetcher{rows: []marketstore.Row{calRow("20250106", 1), calRow("20250104", 0)}}
	p := New(fetcher, nil, cache, "SSE", zerolog.Nop())
	ctx := context.Background()
	params := plugin.ExtractParams{StartDate: "20250101", EndDate: "20250131"}

	rows, err := p.Extract(ctx, params)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1, fetcher.calls)

	// The same range again is answered from the cache.
	rows, err = p.Extract(ctx, params)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "20250106", plugin.String(rows[0], "cal_date"))
	assert.Equal(t, 1, fetcher.calls)

	// A different range misses and goes upstream.
	_, err = p.Extract(ctx, plugin.ExtractParams{StartDate: "20250201", EndDate: "20250228"})
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestExtract_ServesStaleCacheOnUpstreamFailure(t *testing.T) {
	cache := testCache(t)
	key := clientcache.Key("trade_cal", "SSE:20250101:20250131")
	require.NoError(t, cache.Store(key, "trade_cal",
		[]marketstore.Row{calRow("20250106", 1)}, -time.Minute))

	fetcher := &stubFetcher{err: errors.New("rate limited")}
	p := New(fetcher, nil, cache, "SSE", zerolog.Nop())

	rows, err := p.Extract(context.Background(), plugin.ExtractParams{
		StartDate: "20250101", EndDate: "20250131",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "20250106", plugin.String(rows[0], "cal_date"))
	assert.Equal(t, 1, fetcher.calls, "the expired entry does not satisfy the fresh read")
}

func TestValidate_RejectsBadIsOpen(t *testing.T) {
	p := New(&stubFetcher{}, nil, nil, "SSE", zerolog.Nop())

	result := p.Validate([]marketstore.Row{
		{"exchange": "SSE", "cal_date": "20250106", "is_open": "1"},
		{"exchange": "SSE", "cal_date": "20250107", "is_open": "2"},
	})
	assert.False(t, result.OK)
	assert.Len(t, result.Reasons, 1)
}

func TestTransform_NormalizesIsOpen(t *testing.T) {
	p := New(&stubFetcher{}, nil, nil, "SSE", zerolog.Nop())

	rows := p.Transform([]marketstore.Row{
		{"exchange": "SSE", "cal_date": "20250106", "is_open": "1"},
		{"exchange": "SSE", "cal_date": "20250104", "is_open": float64(0)},
	})
	assert.Equal(t, 1, rows[0]["is_open"])
	assert.Equal(t, 0, rows[1]["is_open"])
}

func TestLoad_WritesRows(t *testing.T) {
	store := testStore(t)
	p := New(&stubFetcher{}, store, nil, "SSE", zerolog.Nop())

	ctx := context.Background()
	_, err := store.EnsureTable(ctx, p.schema)
	require.NoError(t, err)

	result, err := p.Load(ctx, []marketstore.Row{
		{"exchange": "SSE", "cal_date": "20250106", "is_open": 1, "pretrade_date": "20250103"},
		{"exchange": "SSE", "cal_date": "20250104", "is_open": 0, "pretrade_date": "20250103"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalRows())

	count, err := store.RowCount(ctx, "trade_cal")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
