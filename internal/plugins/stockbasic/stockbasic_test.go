package stockbasic

import (
	"context"
	"database/sql"
	"errors"
	"testing"

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
	lastParams map[string]string
}

func (s *stubFetcher) Query(_ context.Context, _ string, params map[string]string, _ []string) ([]marketstore.Row, error) {
	s.calls++
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

func rosterRow(code string) marketstore.Row {
	return marketstore.Row{
		"ts_code": code, "symbol": code[:6], "name": "测试", "area": "上海",
		"industry": "银行", "market": "主板", "exchange": "SSE",
		"list_status": "L", "list_date": "20100101", "delist_date": nil,
	}
}

func TestDescriptor(t *testing.T) {
	p := New(&stubFetcher{}, nil, nil, zerolog.Nop())
	desc := p.Descriptor()

	assert.Equal(t, "stockbasic", desc.Name)
	assert.Equal(t, plugin.RoleBasic, desc.Role)
	assert.Equal(t, plugin.GateAnyCompleted, desc.DepGating)
	assert.Equal(t, plugin.FrequencyStatic, desc.Schedule.Frequency)
	assert.Len(t, desc.QueryMethods, 2)
}

func TestExtract_PassesListStatusFilter(t *testing.T) {
	fetcher := &stubFetcher{rows: []marketstore.Row{rosterRow("600000.SH")}}
	p := New(fetcher, nil, nil, zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{
		Filters: map[string]string{"list_status": "L"},
	})
	require.NoError(t, err)
	assert.Equal(t, "L", fetcher.lastParams["list_status"])
}

func TestExtract_ServesStaleCacheOnUpstreamFailure(t *testing.T) {
	cache := testCache(t)
	fetcher := &stubFetcher{rows: []marketstore.Row{rosterRow("600000.SH"), rosterRow("000001.SZ")}}
	p := New(fetcher, nil, cache, zerolog.Nop())
	ctx := context.Background()

	rows, err := p.Extract(ctx, plugin.ExtractParams{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	fetcher.err = errors.New("rate limited")
	fetcher.rows = nil

	rows, err = p.Extract(ctx, plugin.ExtractParams{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "600000.SH", plugin.String(rows[0], "ts_code"))
	assert.Equal(t, 2, fetcher.calls)
}

func TestExtract_FailsWithoutCache(t *testing.T) {
	p := New(&stubFetcher{err: errors.New("down")}, nil, nil, zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stock_basic")
}

func TestValidate_RejectsUnknownListStatus(t *testing.T) {
	p := New(&stubFetcher{}, nil, nil, zerolog.Nop())

	bad := rosterRow("600000.SH")
	bad["list_status"] = "X"
	result := p.Validate([]marketstore.Row{rosterRow("000001.SZ"), bad})

	assert.False(t, result.OK)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], `unknown list_status "X"`)
}

func TestLoad_WritesRoster(t *testing.T) {
	store, err := marketstore.Open("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := New(&stubFetcher{}, store, nil, zerolog.Nop())
	ctx := context.Background()
	_, err = store.EnsureTable(ctx, p.schema)
	require.NoError(t, err)

	result, err := p.Load(ctx, []marketstore.Row{rosterRow("600000.SH")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Tables["stock_basic"])
}
