package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/internal/citation"
	"github.com/mohammad-safakhou/researcher/internal/manager"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result statuses.
const (
	StatusSufficient    = "sufficient"
	StatusMaxIterations = "max_iterations_reached"
)

const (
	defaultMaxIterations = 5
	summaryFallbackChars = 500
)

// Config bounds one research loop.
type Config struct {
	MaxIterations     int
	NewTopicThreshold float64
	// DefaultTool is used when the planner names no tool.
	DefaultTool    string
	AvailableTools []string
}

// Deps are the collaborators of an Agent. Judge, Planner, Summarizer, Tools, Ledger
// and Recorder are required.
type Deps struct {
	Judge      SufficiencyJudge
	Planner    QueryPlanner
	Summarizer Summarizer
	Tools      tools.Invoker
	Ledger     *citation.Ledger
	Recorder   Recorder
	Topics     TopicSink
	Policy     Policy
	Sink       progress.Sink
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
	Log        zerolog.Logger
}

// Result is the outcome of researching one block.
type Result struct {
	BlockID    string
	Status     string
	Iterations int
	Traces     []queue.ToolTrace
	Knowledge  string
	// Discovered lists the IDs of blocks queued from this block's proposals.
	Discovered []string
}

// Agent drives topic blocks through the iterative research loop. It keeps no
// per-block state, so one Agent serves every worker.
type Agent struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// NewAgent validates deps and fills defaults.
func NewAgent(deps Deps, cfg Config) (*Agent, error) {
	switch {
	case deps.Judge == nil:
		return nil, errors.New("research: judge is required")
	case deps.Planner == nil:
		return nil, errors.New("research: planner is required")
	case deps.Summarizer == nil:
		return nil, errors.New("research: summarizer is required")
	case deps.Tools == nil:
		return nil, errors.New("research: tool invoker is required")
	case deps.Ledger == nil:
		return nil, errors.New("research: citation ledger is required")
	case deps.Recorder == nil:
		return nil, errors.New("research: recorder is required")
	}
	if deps.Policy == nil {
		deps.Policy = Conservative{}
	}
	deps.Sink = progress.OrNop(deps.Sink)
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("researcher/research")
	}
	deps.Log = deps.Log.With().Str("component", "research").Logger()

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.NewTopicThreshold <= 0 {
		cfg.NewTopicThreshold = manager.DefaultThreshold
	}
	if cfg.DefaultTool == "" {
		cfg.DefaultTool = tools.TypeWebSearch
	}
	return &Agent{deps: deps, cfg: cfg, now: time.Now}, nil
}

// Process researches a claimed block until the policy accepts the gathered knowledge
// or the iteration budget runs out. Tool, judge, planner and summarizer failures are
// absorbed; only cancellation and recorder errors abort the block.
func (a *Agent) Process(ctx context.Context, block queue.TopicBlock) (Result, error) {
	ctx, span := a.deps.Tracer.Start(ctx, "research.process", trace.WithAttributes(
		attribute.String("block.id", block.ID),
		attribute.String("block.topic", block.Topic),
	))
	defer span.End()

	log := a.deps.Log.With().Str("block_id", block.ID).Str("topic", block.Topic).Logger()
	st := &loopState{block: block, res: Result{BlockID: block.ID, Status: StatusMaxIterations}}

	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return st.res, fmt.Errorf("research %s: %w", block.ID, err)
		}
		a.emit(ctx, progress.Event{
			Type: progress.EventIterationStarted, BlockID: block.ID, Topic: block.Topic,
			Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations,
		})

		done, err := a.iterate(ctx, log, st, iter)
		if err != nil {
			span.RecordError(err)
			return st.res, err
		}
		if done {
			st.res.Status = StatusSufficient
			break
		}
		st.res.Iterations = iter + 1
		if err := a.deps.Recorder.SetIteration(block.ID, iter+1); err != nil {
			return st.res, fmt.Errorf("record iteration for %s: %w", block.ID, err)
		}
	}

	if st.res.Status == StatusMaxIterations {
		log.Info().Int("iterations", st.res.Iterations).Msg("max iterations reached")
		a.emit(ctx, progress.Event{
			Type: progress.EventMaxIterations, BlockID: block.ID, Topic: block.Topic,
			Iteration: st.res.Iterations, MaxIterations: a.cfg.MaxIterations,
		})
	}
	st.res.Knowledge = st.knowledge.String()
	span.SetAttributes(
		attribute.String("research.status", st.res.Status),
		attribute.Int("research.iterations", st.res.Iterations),
	)
	return st.res, nil
}

type loopState struct {
	block     queue.TopicBlock
	knowledge strings.Builder
	history   []ToolUse
	res       Result
}

func (a *Agent) judgeInput(st *loopState, iter int) JudgeInput {
	primary := ""
	if a.deps.Topics != nil {
		primary = a.deps.Topics.PrimaryTopic()
	}
	return JudgeInput{
		Topic:         st.block.Topic,
		Overview:      st.block.Overview,
		PrimaryTopic:  primary,
		Knowledge:     st.knowledge.String(),
		Iteration:     iter,
		MaxIterations: a.cfg.MaxIterations,
		History:       append([]ToolUse(nil), st.history...),
		Guidance:      a.deps.Policy.Guidance(),
	}
}

// iterate runs one round. It reports done when the policy accepts the knowledge.
func (a *Agent) iterate(ctx context.Context, log zerolog.Logger, st *loopState, iter int) (bool, error) {
	ctx, span := a.deps.Tracer.Start(ctx, "research.iteration", trace.WithAttributes(attribute.Int("iteration", iter+1)))
	defer span.End()

	in := a.judgeInput(st, iter)
	a.deps.Recorder.Heartbeat(st.block.ID)
	verdict, err := a.deps.Judge.Judge(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("research %s: %w", st.block.ID, ctx.Err())
		}
		log.Warn().Err(err).Int("iteration", iter+1).Msg("sufficiency judge failed; assuming insufficient")
		verdict = Verdict{}
	}
	if a.deps.Policy.Decide(verdict, in) {
		log.Info().Int("iteration", iter+1).Float64("confidence", verdict.Confidence).Str("policy", a.deps.Policy.Name()).Msg("knowledge sufficient")
		a.emit(ctx, progress.Event{
			Type: progress.EventSufficient, BlockID: st.block.ID, Topic: st.block.Topic,
			Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations, Message: verdict.Reason,
		})
		return true, nil
	}

	a.deps.Recorder.Heartbeat(st.block.ID)
	plan, err := a.deps.Planner.Plan(ctx, PlanInput{JudgeInput: in, Missing: verdict.MissingAspects, AvailableTools: a.cfg.AvailableTools})
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("research %s: %w", st.block.ID, ctx.Err())
		}
		log.Warn().Err(err).Int("iteration", iter+1).Msg("query planner failed; skipping tool call")
		plan = Plan{}
	}
	if plan.NewTopic != nil {
		a.propose(ctx, log, st, *plan.NewTopic)
	}

	query := strings.TrimSpace(plan.Query)
	if query == "" {
		log.Debug().Int("iteration", iter+1).Msg("empty query; iteration spent without a tool call")
		a.emit(ctx, progress.Event{
			Type: progress.EventQuerySkipped, BlockID: st.block.ID, Topic: st.block.Topic,
			Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations,
		})
		return false, nil
	}
	toolType := strings.TrimSpace(plan.ToolType)
	if toolType == "" {
		toolType = a.cfg.DefaultTool
	}

	return false, a.callTool(ctx, log, st, iter, toolType, query)
}

func (a *Agent) callTool(ctx context.Context, log zerolog.Logger, st *loopState, iter int, toolType, query string) error {
	id := a.deps.Ledger.NextID(citation.StageResearch, st.block.ID)
	a.emit(ctx, progress.Event{
		Type: progress.EventToolCalling, BlockID: st.block.ID, Topic: st.block.Topic,
		Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations,
		ToolType: toolType, Query: query, CitationID: id.String(),
	})

	a.deps.Recorder.Heartbeat(st.block.ID)
	res := a.deps.Tools.Invoke(ctx, toolType, query)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("research %s: %w", st.block.ID, err)
	}
	used := res.ToolType
	if used == "" {
		used = toolType
	}

	trace := queue.ToolTrace{
		ToolID:     uuid.NewString(),
		CitationID: id,
		ToolType:   used,
		Query:      query,
		RawAnswer:  res.Output,
		Failed:     res.Failed,
		CreatedAt:  a.now().UTC(),
	}

	if res.Failed {
		log.Warn().Str("tool_type", used).Str("citation_id", id.String()).Int("attempts", res.Attempts).Msg("tool failed; continuing with next iteration")
		a.emit(ctx, progress.Event{
			Type: progress.EventToolFailed, BlockID: st.block.ID, Topic: st.block.Topic,
			Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations,
			ToolType: used, Query: query, CitationID: id.String(),
		})
	} else {
		a.deps.Recorder.Heartbeat(st.block.ID)
		trace.Summary = a.summarize(ctx, log, st.block, used, query, res.Output)
		if st.knowledge.Len() > 0 {
			st.knowledge.WriteString("\n\n")
		}
		fmt.Fprintf(&st.knowledge, "[%s] %s", id, trace.Summary)
		a.emit(ctx, progress.Event{
			Type: progress.EventToolCompleted, BlockID: st.block.ID, Topic: st.block.Topic,
			Iteration: iter + 1, MaxIterations: a.cfg.MaxIterations,
			ToolType: used, Query: query, CitationID: id.String(),
		})
	}

	rec := citation.Record{ToolType: used, Query: query, RawAnswer: res.Output, Summary: trace.Summary}
	if err := a.deps.Ledger.Record(ctx, id, rec); err != nil {
		log.Warn().Err(err).Str("citation_id", id.String()).Msg("citation not recorded")
	}
	if err := a.deps.Recorder.AppendTrace(st.block.ID, trace); err != nil {
		return fmt.Errorf("record trace for %s: %w", st.block.ID, err)
	}
	st.history = append(st.history, ToolUse{ToolType: used, Query: query, Failed: res.Failed})
	st.res.Traces = append(st.res.Traces, trace)
	return nil
}

func (a *Agent) summarize(ctx context.Context, log zerolog.Logger, block queue.TopicBlock, toolType, query, raw string) string {
	summary, err := a.deps.Summarizer.Summarize(ctx, SummaryInput{
		Topic:     block.Topic,
		Query:     query,
		ToolType:  toolType,
		RawAnswer: raw,
	})
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		if err != nil {
			log.Warn().Err(err).Msg("summarizer failed; using truncated raw answer")
		}
		return Truncate(raw, summaryFallbackChars)
	}
	return summary
}

func (a *Agent) propose(ctx context.Context, log zerolog.Logger, st *loopState, p TopicProposal) {
	title := strings.TrimSpace(p.Title)
	logger := log.With().Str("proposed_topic", title).Float64("confidence", p.Confidence).Logger()

	reason := ""
	switch {
	case title == "":
		reason = manager.ReasonEmptyTopic
	case !p.Recommend:
		reason = manager.ReasonNotRecommended
	case p.Confidence < a.cfg.NewTopicThreshold:
		reason = manager.ReasonLowScore
	case a.deps.Topics == nil:
		reason = manager.ReasonRejected
	}
	if reason == "" {
		adm := a.deps.Topics.AddTopic(manager.Proposal{
			Topic:         title,
			Overview:      p.Overview,
			Score:         p.Confidence,
			Recommend:     p.Recommend,
			SourceBlockID: st.block.ID,
		})
		if adm.Accepted {
			st.res.Discovered = append(st.res.Discovered, adm.BlockID)
			a.deps.Metrics.TopicProposal("accepted")
			a.emit(ctx, progress.Event{
				Type: progress.EventTopicDiscovered, BlockID: st.block.ID, Topic: title,
				Data: map[string]any{"new_block_id": adm.BlockID, "confidence": p.Confidence},
			})
			return
		}
		reason = adm.Reason
	}
	logger.Info().Str("reason", reason).Msg("topic proposal dropped")
	a.deps.Metrics.TopicProposal(reason)
	a.emit(ctx, progress.Event{
		Type: progress.EventTopicRejected, BlockID: st.block.ID, Topic: title,
		Message: reason, Data: map[string]any{"confidence": p.Confidence},
	})
}

func (a *Agent) emit(ctx context.Context, ev progress.Event) {
	a.deps.Sink.Emit(ctx, progress.Stamp(ev))
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
