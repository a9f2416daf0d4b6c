package research

import (
	"context"

	"github.com/mohammad-safakhou/researcher/internal/manager"
	"github.com/mohammad-safakhou/researcher/internal/queue"
)

// ToolUse is one entry of the tool-usage history shown to the judge and planner.
type ToolUse struct {
	ToolType string `json:"tool_type"`
	Query    string `json:"query"`
	Failed   bool   `json:"failed,omitempty"`
}

// JudgeInput is the context for one sufficiency decision.
type JudgeInput struct {
	Topic         string
	Overview      string
	PrimaryTopic  string
	Knowledge     string
	Iteration     int // iterations already spent on the block
	MaxIterations int
	History       []ToolUse
	// Guidance is the active policy's instruction text.
	Guidance string
}

// Verdict is the judge's answer. The zero value means "not sufficient".
type Verdict struct {
	Sufficient     bool
	Confidence     float64
	Reason         string
	MissingAspects []string
}

// SufficiencyJudge decides whether a block has gathered enough knowledge.
type SufficiencyJudge interface {
	Judge(ctx context.Context, in JudgeInput) (Verdict, error)
}

// PlanInput is the context for planning the next query.
type PlanInput struct {
	JudgeInput
	Missing        []string
	AvailableTools []string
}

// TopicProposal is a sibling topic suggested while planning.
type TopicProposal struct {
	Title      string
	Overview   string
	Confidence float64
	Recommend  bool
}

// Plan is the planner's answer. An empty Query skips the tool call.
type Plan struct {
	Query     string
	ToolType  string
	Rationale string
	NewTopic  *TopicProposal
}

// QueryPlanner produces the next query for a block.
type QueryPlanner interface {
	Plan(ctx context.Context, in PlanInput) (Plan, error)
}

// SummaryInput is the context for summarising one tool answer.
type SummaryInput struct {
	Topic     string
	Query     string
	ToolType  string
	RawAnswer string
}

// Summarizer condenses a raw tool answer into a short note.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// TopicSink accepts discovered topics. Implemented by *manager.Manager.
type TopicSink interface {
	AddTopic(p manager.Proposal) manager.Admission
	PrimaryTopic() string
}

// Recorder writes in-flight progress back to the queue. Implemented by *manager.Manager.
type Recorder interface {
	AppendTrace(blockID string, trace queue.ToolTrace) error
	SetIteration(blockID string, n int) error
	// Heartbeat signals that a block is still making progress between recorded steps.
	Heartbeat(blockID string)
}

var (
	_ TopicSink = (*manager.Manager)(nil)
	_ Recorder  = (*manager.Manager)(nil)
)
