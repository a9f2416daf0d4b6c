package progress

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes every event to a zerolog logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink logging at info level (debug for per-tool noise).
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "progress").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	level := zerolog.InfoLevel
	switch ev.Type {
	case EventToolCalling, EventToolCompleted, EventIterationStarted:
		level = zerolog.DebugLevel
	case EventToolFailed, EventBlockFailed:
		level = zerolog.WarnLevel
	}
	e := s.log.WithLevel(level).Str("event", string(ev.Type))
	if ev.BlockID != "" {
		e = e.Str("block_id", ev.BlockID)
	}
	if ev.Topic != "" {
		e = e.Str("topic", ev.Topic)
	}
	if ev.Iteration > 0 {
		e = e.Int("iteration", ev.Iteration).Int("max_iterations", ev.MaxIterations)
	}
	if ev.ToolType != "" {
		e = e.Str("tool_type", ev.ToolType)
	}
	if ev.CitationID != "" {
		e = e.Str("citation_id", ev.CitationID)
	}
	if len(ev.Data) > 0 {
		e = e.Interface("data", ev.Data)
	}
	e.Msg(ev.Message)
}
