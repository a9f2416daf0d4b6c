package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiFansOutAndSkipsNil(t *testing.T) {
	var a, b int
	s := Multi(nil, Func(func(context.Context, Event) { a++ }), Func(func(context.Context, Event) { b++ }))
	s.Emit(context.Background(), Event{Type: EventRunStarted})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	Multi().Emit(context.Background(), Event{})
	OrNop(nil).Emit(context.Background(), Event{})
	Func(nil).Emit(context.Background(), Event{})
}

func TestStamp(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at, Stamp(Event{At: at}).At)
	assert.False(t, Stamp(Event{}).At.IsZero())
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf).Level(zerolog.InfoLevel))

	sink.Emit(context.Background(), Event{Type: EventToolCalling, BlockID: "block_1"})
	assert.Empty(t, buf.String(), "tool calls log at debug")

	sink.Emit(context.Background(), Event{Type: EventBlockFailed, BlockID: "block_2", Topic: "t", Message: "cancelled"})
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "block_failed", line["event"])
	assert.Equal(t, "block_2", line["block_id"])
	assert.Equal(t, "progress", line["component"])
	assert.Equal(t, "cancelled", line["message"])
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(Event{Type: EventBlockCompleted, RunID: "run-1", BlockID: "block_3", Iteration: 2})
	require.NoError(t, err)
	assert.Equal(t, "block_completed", env.EventType)
	assert.Equal(t, "run-1", env.RunID)
	assert.NotEmpty(t, env.EventID)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	back, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	ev, err := back.Event()
	require.NoError(t, err)
	assert.Equal(t, "block_3", ev.BlockID)
	assert.Equal(t, 2, ev.Iteration)

	_, err = UnmarshalEnvelope([]byte(`{"event_id":"x","event_type":"y","payload_version":"v1"}`))
	assert.Error(t, err, "data is required")
}
