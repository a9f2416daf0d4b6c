package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/citation"
	"github.com/mohammad-safakhou/researcher/internal/manager"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type judgeFunc func(ctx context.Context, in JudgeInput) (Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, in JudgeInput) (Verdict, error) { return f(ctx, in) }

type planFunc func(ctx context.Context, in PlanInput) (Plan, error)

func (f planFunc) Plan(ctx context.Context, in PlanInput) (Plan, error) { return f(ctx, in) }

type summaryFunc func(ctx context.Context, in SummaryInput) (string, error)

func (f summaryFunc) Summarize(ctx context.Context, in SummaryInput) (string, error) { return f(ctx, in) }

type invokerFunc func(ctx context.Context, toolType, query string) tools.Result

func (f invokerFunc) Invoke(ctx context.Context, toolType, query string) tools.Result {
	return f(ctx, toolType, query)
}

func never(context.Context, JudgeInput) (Verdict, error) { return Verdict{}, nil }

func echoSummary(_ context.Context, in SummaryInput) (string, error) {
	return "summary of " + in.Query, nil
}

func okTool(_ context.Context, toolType, query string) tools.Result {
	return tools.Result{ToolType: toolType, Output: "raw answer for " + query, Attempts: 1}
}

type fixture struct {
	mgr    *manager.Manager
	ledger *citation.Ledger
	block  queue.TopicBlock
	events []progress.Event
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mgr:    manager.New(queue.New(queue.WithMaxLength(10)), manager.WithThreshold(0.75)),
		ledger: citation.NewLedger(),
	}
	_, err := f.mgr.Seed("Grid-scale storage", "costs and chemistries")
	require.NoError(t, err)
	b, ok := f.mgr.ClaimNext()
	require.True(t, ok)
	f.block = b
	return f
}

func (f *fixture) deps(j SufficiencyJudge, p QueryPlanner, s Summarizer, inv tools.Invoker) Deps {
	return Deps{
		Judge:      j,
		Planner:    p,
		Summarizer: s,
		Tools:      inv,
		Ledger:     f.ledger,
		Recorder:   f.mgr,
		Topics:     f.mgr,
		Sink: progress.Func(func(_ context.Context, ev progress.Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}),
	}
}

func (f *fixture) count(tp progress.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == tp {
			n++
		}
	}
	return n
}

func TestProcessRunsToMaxIterations(t *testing.T) {
	f := newFixture(t)
	round := 0
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) {
		round++
		return Plan{Query: fmt.Sprintf("query %d", round), ToolType: tools.TypeWebSearch}, nil
	})
	agent, err := NewAgent(f.deps(judgeFunc(never), planner, summaryFunc(echoSummary), invokerFunc(okTool)), Config{MaxIterations: 3})
	require.NoError(t, err)

	res, err := agent.Process(context.Background(), f.block)
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, res.Status)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Traces, 3)

	for i, tr := range res.Traces {
		assert.Equal(t, fmt.Sprintf("query %d", i+1), tr.Query)
		assert.False(t, tr.CitationID.IsZero())
		e, ok := f.ledger.Get(tr.CitationID)
		require.True(t, ok)
		assert.True(t, e.Recorded())
		assert.Equal(t, f.block.ID, e.BlockID)
	}
	assert.True(t, res.Traces[0].CitationID.Less(res.Traces[1].CitationID))
	assert.Contains(t, res.Knowledge, "[CIT-0001] summary of query 1")

	stored, _ := f.mgr.Block(f.block.ID)
	assert.Len(t, stored.Traces, 3)
	assert.Equal(t, 3, stored.Iteration)
	assert.Equal(t, 3, f.count(progress.EventIterationStarted))
	assert.Equal(t, 1, f.count(progress.EventMaxIterations))
}

func TestProcessStopsWhenPolicyAccepts(t *testing.T) {
	f := newFixture(t)
	judge := judgeFunc(func(_ context.Context, in JudgeInput) (Verdict, error) {
		return Verdict{Sufficient: in.Knowledge != "", Confidence: 0.6}, nil
	})
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) { return Plan{Query: "q"}, nil })
	agent, err := NewAgent(Deps{}, Config{})
	require.Error(t, err)
	assert.Nil(t, agent)

	deps := f.deps(judge, planner, summaryFunc(echoSummary), invokerFunc(okTool))
	deps.Policy = Flexible{}
	agent, err = NewAgent(deps, Config{MaxIterations: 5})
	require.NoError(t, err)

	res, err := agent.Process(context.Background(), f.block)
	require.NoError(t, err)
	assert.Equal(t, StatusSufficient, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Len(t, res.Traces, 1)
	assert.Equal(t, tools.TypeWebSearch, res.Traces[0].ToolType, "default tool")
}

func TestProcessDegradesOnCollaboratorFailures(t *testing.T) {
	f := newFixture(t)
	judge := judgeFunc(func(context.Context, JudgeInput) (Verdict, error) {
		return Verdict{Sufficient: true, Confidence: 1}, errors.New("malformed verdict")
	})
	round := 0
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) {
		round++
		switch round {
		case 1:
			return Plan{}, errors.New("planner timeout")
		case 2:
			return Plan{Query: "fails", ToolType: tools.TypeRAGHybrid}, nil
		default:
			return Plan{Query: "long", ToolType: tools.TypeWebFetch}, nil
		}
	})
	summarizer := summaryFunc(func(context.Context, SummaryInput) (string, error) {
		return "", errors.New("llm down")
	})
	long := strings.Repeat("x", 900)
	inv := invokerFunc(func(_ context.Context, toolType, query string) tools.Result {
		if query == "fails" {
			return tools.Result{ToolType: toolType, Output: `{"status":"failed"}`, Failed: true}
		}
		return tools.Result{ToolType: tools.TypeWebFetchHTTP, Output: long}
	})

	agent, err := NewAgent(f.deps(judge, planner, summarizer, inv), Config{MaxIterations: 3})
	require.NoError(t, err)
	res, err := agent.Process(context.Background(), f.block)
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterations, res.Status)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Traces, 2, "planner failure spends an iteration without a call")

	failed := res.Traces[0]
	assert.True(t, failed.Failed)
	assert.Equal(t, `{"status":"failed"}`, failed.RawAnswer)
	assert.Empty(t, failed.Summary)

	ok := res.Traces[1]
	assert.Equal(t, tools.TypeWebFetchHTTP, ok.ToolType, "trace records the tool actually used")
	assert.Len(t, ok.Summary, 500)
	assert.NotContains(t, res.Knowledge, failed.CitationID.String())
	assert.Contains(t, res.Knowledge, ok.CitationID.String())
	assert.Equal(t, 1, f.count(progress.EventQuerySkipped))
	assert.Equal(t, 1, f.count(progress.EventToolFailed))
}

func TestProcessForwardsProposals(t *testing.T) {
	f := newFixture(t)
	round := 0
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) {
		round++
		p := Plan{Query: "q"}
		switch round {
		case 1:
			p.NewTopic = &TopicProposal{Title: "Sodium-ion cells", Confidence: 0.5, Recommend: true}
		case 2, 3:
			p.NewTopic = &TopicProposal{Title: "Sodium-ion cells", Confidence: 0.9, Recommend: true}
		case 4:
			p.NewTopic = &TopicProposal{Title: "   ", Confidence: 1, Recommend: true}
		case 5:
			p.NewTopic = &TopicProposal{Title: "Pumped hydro", Confidence: 0.95}
		}
		return p, nil
	})
	agent, err := NewAgent(f.deps(judgeFunc(never), planner, summaryFunc(echoSummary), invokerFunc(okTool)), Config{MaxIterations: 5})
	require.NoError(t, err)

	res, err := agent.Process(context.Background(), f.block)
	require.NoError(t, err)

	require.Len(t, res.Discovered, 1)
	st := f.mgr.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Pending)
	b, ok := f.mgr.Block(res.Discovered[0])
	require.True(t, ok)
	assert.Equal(t, "Sodium-ion cells", b.Topic)
	assert.Equal(t, 1, f.count(progress.EventTopicDiscovered))
	assert.Equal(t, 4, f.count(progress.EventTopicRejected))
}

func TestProcessHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	inv := invokerFunc(func(ctx context.Context, toolType, query string) tools.Result {
		cancel()
		return tools.Result{ToolType: toolType, Failed: true, Output: "cancelled"}
	})
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) { return Plan{Query: "q"}, nil })
	agent, err := NewAgent(f.deps(judgeFunc(never), planner, summaryFunc(echoSummary), inv), Config{MaxIterations: 3})
	require.NoError(t, err)

	_, err = agent.Process(ctx, f.block)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.ledger.Len(), "citation id stays issued")
}

func TestJudgeSeesHistoryAndPrimaryTopic(t *testing.T) {
	f := newFixture(t)
	f.mgr.SetPrimaryTopic("energy storage outlook")
	var seen []JudgeInput
	judge := judgeFunc(func(_ context.Context, in JudgeInput) (Verdict, error) {
		seen = append(seen, in)
		return Verdict{}, nil
	})
	planner := planFunc(func(context.Context, PlanInput) (Plan, error) { return Plan{Query: "q", ToolType: tools.TypeRAGNaive}, nil })
	agent, err := NewAgent(f.deps(judge, planner, summaryFunc(echoSummary), invokerFunc(okTool)), Config{MaxIterations: 2})
	require.NoError(t, err)
	_, err = agent.Process(context.Background(), f.block)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "energy storage outlook", seen[0].PrimaryTopic)
	assert.Equal(t, 0, seen[0].Iteration)
	assert.Empty(t, seen[0].History)
	assert.Equal(t, 1, seen[1].Iteration)
	assert.Equal(t, []ToolUse{{ToolType: tools.TypeRAGNaive, Query: "q"}}, seen[1].History)
	assert.Equal(t, Conservative{}.Guidance(), seen[1].Guidance)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "h", Truncate("hé", 2))
}
