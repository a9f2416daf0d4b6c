package queue

import (
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/citation"
)

// Status is the lifecycle state of a topic block.
type Status string

const (
	StatusPending     Status = "pending"
	StatusResearching Status = "researching"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Origin records how a block entered the queue.
type Origin string

const (
	OriginDecomposition Origin = "decomposition"
	OriginDiscovered    Origin = "discovered"
)

// ToolTrace records one tool invocation made while researching a block.
type ToolTrace struct {
	ToolID     string      `json:"tool_id"`
	CitationID citation.ID `json:"citation_id"`
	ToolType   string      `json:"tool_type"`
	Query      string      `json:"query"`
	RawAnswer  string      `json:"raw_answer"`
	Summary    string      `json:"summary"`
	Failed     bool        `json:"failed,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// TopicBlock is the unit of research work.
type TopicBlock struct {
	ID            string      `json:"block_id"`
	Topic         string      `json:"sub_topic"`
	Overview      string      `json:"overview"`
	Status        Status      `json:"status"`
	Iteration     int         `json:"iteration_count"`
	Traces        []ToolTrace `json:"tool_traces"`
	Origin        Origin      `json:"origin"`
	Score         float64     `json:"score,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (b TopicBlock) clone() TopicBlock {
	if b.Traces != nil {
		traces := make([]ToolTrace, len(b.Traces))
		copy(traces, b.Traces)
		b.Traces = traces
	}
	return b
}

// normalizeTopic is the de-duplication key for titles.
func normalizeTopic(topic string) string {
	return strings.ToLower(strings.Join(strings.Fields(topic), " "))
}

// Stats is an observability snapshot of the queue.
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Researching int `json:"researching"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	ToolCalls   int `json:"tool_calls"`
}
