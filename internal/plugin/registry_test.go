package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/marketstore"
)

// fakePlugin is a minimal plugin used for registry tests.
type fakePlugin struct {
	desc Descriptor
}

func (f *fakePlugin) Descriptor() Descriptor { return f.desc }
func (f *fakePlugin) Extract(ctx context.Context, params ExtractParams) ([]marketstore.Row, error) {
	return nil, nil
}
func (f *fakePlugin) Validate(rows []marketstore.Row) *ValidationResult { return Valid() }
func (f *fakePlugin) Transform(rows []marketstore.Row) []marketstore.Row {
	return rows
}
func (f *fakePlugin) Load(ctx context.Context, rows []marketstore.Row) (*LoadResult, error) {
	return &LoadResult{}, nil
}

func fake(name string, deps ...string) *fakePlugin {
	return &fakePlugin{desc: Descriptor{
		Name:      name,
		Category:  "test",
		Role:      RolePrimary,
		DependsOn: deps,
		Schedule:  Schedule{Frequency: FrequencyDaily},
	}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("stock_basic")))
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Has("stock_basic"))
	assert.NotNil(t, r.Get("stock_basic"))
	assert.Nil(t, r.Get("unknown"))
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("stock_basic")))
	assert.Error(t, r.Register(fake("stock_basic")))
}

func TestRegistry_RegisterAfterFinalizeRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("stock_basic")))
	require.NoError(t, r.Finalize())
	assert.Error(t, r.Register(fake("daily_bars")))
}

func TestRegistry_OrderRespectsDependencies(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("limit_list", "daily_bars")))
	require.NoError(t, r.Register(fake("daily_bars", "stock_basic")))
	require.NoError(t, r.Register(fake("stock_basic")))
	require.NoError(t, r.Register(fake("trade_calendar")))
	require.NoError(t, r.Finalize())

	order := r.Order()
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["stock_basic"], pos["daily_bars"])
	assert.Less(t, pos["daily_bars"], pos["limit_list"])
}

func TestRegistry_OrderIsDeterministic(t *testing.T) {
	build := func() *Registry {
		r := NewRegistry()
		require.NoError(t, r.Register(fake("c")))
		require.NoError(t, r.Register(fake("a")))
		require.NoError(t, r.Register(fake("b")))
		require.NoError(t, r.Finalize())
		return r
	}

	assert.Equal(t, build().Order(), build().Order())
	assert.Equal(t, []string{"a", "b", "c"}, build().Order())
}

func TestRegistry_CycleIsFatal(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("a", "b")))
	require.NoError(t, r.Register(fake("b", "c")))
	require.NoError(t, r.Register(fake("c", "a")))

	err := r.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestRegistry_UnknownDependencyIsFatal(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(fake("daily_bars", "nonexistent")))

	err := r.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestRegistry_UnknownOptionalDependencyIsFatal(t *testing.T) {
	r := NewRegistry()

	p := fake("moneyflow")
	p.desc.OptionalDeps = []string{"nonexistent"}
	require.NoError(t, r.Register(p))

	assert.Error(t, r.Finalize())
}

func TestRegistry_InvalidTableSchemaRejected(t *testing.T) {
	r := NewRegistry()

	p := fake("bad")
	p.desc.Tables = []marketstore.TableSchema{{Name: "bad_table"}} // no columns
	assert.Error(t, r.Register(p))
}

func TestRegistry_DailyPlugins(t *testing.T) {
	r := NewRegistry()

	static := fake("stock_basic")
	static.desc.Schedule.Frequency = FrequencyStatic
	require.NoError(t, r.Register(static))
	require.NoError(t, r.Register(fake("daily_bars", "stock_basic")))
	require.NoError(t, r.Finalize())

	daily := r.DailyPlugins()
	require.Len(t, daily, 1)
	assert.Equal(t, "daily_bars", daily[0].Descriptor().Name)
}
