package progress

import (
	"context"
	"time"
)

// EventType names a progress milestone.
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventRunFinished        EventType = "run_finished"
	EventBlockClaimed       EventType = "block_claimed"
	EventBlockCompleted     EventType = "block_completed"
	EventBlockFailed        EventType = "block_failed"
	EventIterationStarted   EventType = "iteration_started"
	EventSufficient         EventType = "knowledge_sufficient"
	EventToolCalling        EventType = "tool_calling"
	EventToolCompleted      EventType = "tool_completed"
	EventToolFailed         EventType = "tool_failed"
	EventQuerySkipped       EventType = "query_skipped"
	EventTopicDiscovered    EventType = "topic_discovered"
	EventTopicRejected      EventType = "topic_rejected"
	EventMaxIterations      EventType = "max_iterations_reached"
	EventWaitingForNewTopic EventType = "waiting_for_topics"
)

// Event is a structured progress notification. Fields irrelevant to a type are left empty.
type Event struct {
	Type          EventType      `json:"type"`
	RunID         string         `json:"run_id,omitempty"`
	BlockID       string         `json:"block_id,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	Iteration     int            `json:"iteration,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	ToolType      string         `json:"tool_type,omitempty"`
	Query         string         `json:"query,omitempty"`
	CitationID    string         `json:"citation_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	At            time.Time      `json:"at"`
}

// Sink receives progress events. Implementations must not block scheduling for long
// and must tolerate concurrent calls.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, ev Event)

// Emit implements Sink.
func (f Func) Emit(ctx context.Context, ev Event) {
	if f != nil {
		f(ctx, ev)
	}
}

type nop struct{}

func (nop) Emit(context.Context, Event) {}

// Nop discards every event.
func Nop() Sink { return nop{} }

// Multi fans one event out to several sinks, skipping nil ones.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Nop()
	case 1:
		return live[0]
	}
	return multi(live)
}

type multi []Sink

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}

// Stamp fills the event timestamp when missing.
func Stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
