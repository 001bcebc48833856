package gaps

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

type stubCalendar struct {
	loaded bool
	days   []string
}

func (c *stubCalendar) Loaded() bool { return c.loaded }

func (c *stubCalendar) TradingDatesBetween(from, to string) ([]string, error) {
	var out []string
	for _, d := range c.days {
		if d >= from && d <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

type stubPlugin struct {
	desc plugin.Descriptor
}

func (p *stubPlugin) Descriptor() plugin.Descriptor { return p.desc }
func (p *stubPlugin) Extract(context.Context, plugin.ExtractParams) ([]marketstore.Row, error) {
	return nil, nil
}
func (p *stubPlugin) Validate([]marketstore.Row) *plugin.ValidationResult { return plugin.Valid() }
func (p *stubPlugin) Transform(rows []marketstore.Row) []marketstore.Row  { return rows }
func (p *stubPlugin) Load(context.Context, []marketstore.Row) (*plugin.LoadResult, error) {
	return &plugin.LoadResult{}, nil
}

func dailyStub(name string) *stubPlugin {
	return &stubPlugin{desc: plugin.Descriptor{
		Name:     name,
		Category: "test",
		Role:     plugin.RolePrimary,
		Schedule: plugin.Schedule{Frequency: plugin.FrequencyDaily},
		Tables: []marketstore.TableSchema{{
			Name: name + "_data",
			Columns: []marketstore.Column{
				{Name: "ts_code", Type: marketstore.TypeVarchar},
				{Name: "trade_date", Type: marketstore.TypeVarchar},
			},
			BusinessKey:     []string{"ts_code", "trade_date"},
			PartitionColumn: "trade_date",
		}},
	}}
}

func setup(t *testing.T, plugins ...plugin.Plugin) (*Detector, *marketstore.Store) {
	t.Helper()

	store, err := marketstore.Open("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := plugin.NewRegistry()
	for _, p := range plugins {
		require.NoError(t, registry.Register(p))
	}
	require.NoError(t, registry.Finalize())

	cal := &stubCalendar{loaded: true, days: []string{"20250113", "20250114", "20250115"}}
	return NewDetector(store, cal, registry, events.NewBus(zerolog.Nop()), zerolog.Nop()), store
}

func seed(t *testing.T, store *marketstore.Store, schema marketstore.TableSchema, dates ...string) {
	t.Helper()

	_, err := store.EnsureTable(context.Background(), schema)
	require.NoError(t, err)

	rows := make([]marketstore.Row, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, marketstore.Row{"ts_code": "600519.SH", "trade_date": d})
	}
	_, err = store.Append(context.Background(), schema, rows, store.NextVersion())
	require.NoError(t, err)
}

func TestDetect_FindsMissingTradingDays(t *testing.T) {
	bars := dailyStub("bars")
	detector, store := setup(t, bars)
	seed(t, store, bars.desc.PrimaryTable(), "20250113", "20250115")

	report, err := detector.Detect(context.Background(), "20250113", "20250115")
	require.NoError(t, err)

	require.Len(t, report.Plugins, 1)
	assert.Equal(t, "bars", report.Plugins[0].Plugin)
	assert.Equal(t, []string{"20250114"}, report.Plugins[0].MissingDates)
	assert.Equal(t, 1, report.TotalMissing())
}

func TestDetect_CompleteTableReportsNothing(t *testing.T) {
	bars := dailyStub("bars")
	detector, store := setup(t, bars)
	seed(t, store, bars.desc.PrimaryTable(), "20250113", "20250114", "20250115")

	report, err := detector.Detect(context.Background(), "20250113", "20250115")
	require.NoError(t, err)
	assert.Empty(t, report.Plugins)
	assert.Zero(t, report.TotalMissing())
}

func TestDetect_MissingTableCountsAllDays(t *testing.T) {
	bars := dailyStub("bars")
	detector, _ := setup(t, bars)

	report, err := detector.Detect(context.Background(), "20250113", "20250115")
	require.NoError(t, err)

	require.Len(t, report.Plugins, 1)
	assert.Equal(t, []string{"20250113", "20250114", "20250115"}, report.Plugins[0].MissingDates)
}

func TestDetect_MultiplePlugins(t *testing.T) {
	bars := dailyStub("bars")
	flow := dailyStub("flow")
	detector, store := setup(t, bars, flow)
	seed(t, store, bars.desc.PrimaryTable(), "20250113", "20250114", "20250115")
	seed(t, store, flow.desc.PrimaryTable(), "20250114")

	report, err := detector.Detect(context.Background(), "20250113", "20250115")
	require.NoError(t, err)

	require.Len(t, report.Plugins, 1)
	assert.Equal(t, "flow", report.Plugins[0].Plugin)
	assert.Equal(t, []string{"20250113", "20250115"}, report.Plugins[0].MissingDates)
}

func TestDetect_RequiresCalendar(t *testing.T) {
	bars := dailyStub("bars")
	detector, _ := setup(t, bars)
	detector.cal = &stubCalendar{loaded: false}

	_, err := detector.Detect(context.Background(), "20250113", "20250115")
	assert.Error(t, err)
}
