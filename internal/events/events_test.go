package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []*Event
	bus.Subscribe(TaskCompleted, func(e *Event) { got = append(got, e) })

	bus.Emit(TaskCompleted, "ingest", map[string]interface{}{"plugin": "dailybars"})
	bus.Emit(TaskFailed, "ingest", nil) // different type, not delivered

	require.Len(t, got, 1)
	assert.Equal(t, TaskCompleted, got[0].Type)
	assert.Equal(t, "ingest", got[0].Module)
	assert.Equal(t, "dailybars", got[0].Data["plugin"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	bus.Subscribe(RunStarted, func(*Event) { calls++ })
	bus.Subscribe(RunStarted, func(*Event) { calls++ })

	bus.Emit(RunStarted, "ingest", nil)
	assert.Equal(t, 2, calls)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var types []EventType
	bus.SubscribeAll(func(e *Event) { types = append(types, e.Type) })

	bus.Emit(RunStarted, "ingest", nil)
	bus.Emit(QualityCheckFailed, "quality", nil)

	assert.Equal(t, []EventType{RunStarted, QualityCheckFailed}, types)
}

func TestBus_EmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { got = e })

	bus.EmitError("ingest", errors.New("upstream timeout"), map[string]interface{}{
		"plugin": "moneyflow",
	})

	require.NotNil(t, got)
	assert.Equal(t, "upstream timeout", got.Data["error"])
	assert.Equal(t, "moneyflow", got.Data["plugin"])
}

func TestBus_EmitWithoutSubscribersIsSafe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	assert.NotPanics(t, func() {
		bus.Emit(BackupCompleted, "reliability", nil)
	})
}
