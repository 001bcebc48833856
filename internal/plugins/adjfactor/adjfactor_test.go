package adjfactor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

type stubFetcher struct {
	rows       []marketstore.Row
	lastParams map[string]string
}

func (s *stubFetcher) Query(_ context.Context, _ string, params map[string]string, _ []string) ([]marketstore.Row, error) {
	s.lastParams = params
	return s.rows, nil
}

func TestDescriptor(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())
	desc := p.Descriptor()

	assert.Equal(t, "adjfactor", desc.Name)
	assert.Equal(t, plugin.RolePrimary, desc.Role)
	assert.Equal(t, []string{"stockbasic"}, desc.DependsOn)
	assert.Equal(t, plugin.GateSameDate, desc.DepGating)
}

func TestExtract_QueriesByTradeDate(t *testing.T) {
	fetcher := &stubFetcher{}
	p := New(fetcher, nil, zerolog.Nop())

	_, err := p.Extract(context.Background(), plugin.ExtractParams{TradeDate: "20250106"})
	require.NoError(t, err)
	assert.Equal(t, "20250106", fetcher.lastParams["trade_date"])
}

func TestValidate_RejectsNonPositiveFactor(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())

	result := p.Validate([]marketstore.Row{
		{"ts_code": "600000.SH", "trade_date": "20250106", "adj_factor": 12.345},
		{"ts_code": "000001.SZ", "trade_date": "20250106", "adj_factor": 0.0},
	})
	assert.False(t, result.OK)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "000001.SZ")
}

func TestTransform_CoercesFactor(t *testing.T) {
	p := New(&stubFetcher{}, nil, zerolog.Nop())

	rows := p.Transform([]marketstore.Row{
		{"ts_code": "600000.SH", "trade_date": "20250106", "adj_factor": "12.345"},
	})
	assert.Equal(t, 12.345, rows[0]["adj_factor"])
}
