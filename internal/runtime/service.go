package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/citation"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/manager"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/scheduler"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/rs/zerolog"
)

// Request starts a run from a question, a topics file, or both.
type Request struct {
	RunID    string
	Question string
	Topics   *config.TopicsFile
}

// Service builds and executes research runs.
type Service struct {
	cfg      *config.Config
	res      *Resources
	provider llm.Provider
	registry *tools.Registry
	log      zerolog.Logger
}

// NewService binds the shared resources, model provider and tool registry.
func NewService(cfg *config.Config, res *Resources, provider llm.Provider, registry *tools.Registry) *Service {
	return &Service{
		cfg:      cfg,
		res:      res,
		provider: provider,
		registry: registry,
		log:      res.Log.With().Str("component", "runtime").Logger(),
	}
}

// Run is a prepared research run: queue seeded, collaborators wired, nothing
// researched yet.
type Run struct {
	ID           string
	Question     string
	PrimaryTopic string
	Manager      *manager.Manager
	Ledger       *citation.Ledger
	// Stream is nil when Redis is not configured.
	Stream *progress.StreamSink

	svc       *Service
	scheduler *scheduler.Scheduler
	mode      scheduler.Mode
	monitor   *budget.Monitor
}

// Report is the outcome of a run.
type Report struct {
	RunID        string             `json:"run_id"`
	Question     string             `json:"question"`
	PrimaryTopic string             `json:"primary_topic"`
	Mode         string             `json:"mode"`
	Stats        queue.Stats        `json:"statistics"`
	Elapsed      string             `json:"elapsed"`
	Blocks       []queue.TopicBlock `json:"blocks"`
	Citations    []string           `json:"citations"`
	Budget       *budget.Usage      `json:"budget,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Prepare seeds the queue and wires the research loop and scheduler.
func (s *Service) Prepare(ctx context.Context, req Request) (*Run, error) {
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	log := s.log.With().Str("run_id", runID).Logger()

	ledgerOpts := []citation.Option{citation.WithLogger(s.res.Log), citation.WithRunID(runID)}
	if s.res.Store != nil {
		ledgerOpts = append(ledgerOpts, citation.WithStore(s.res.Store))
	}
	ledger := citation.NewLedger(ledgerOpts...)

	persister, loader, err := s.snapshots(runID)
	if err != nil {
		return nil, err
	}
	qOpts := []queue.Option{queue.WithMaxLength(s.cfg.Queue.MaxLength), queue.WithLogger(s.res.Log)}
	if persister != nil {
		qOpts = append(qOpts, queue.WithPersister(persister))
	}
	q := queue.New(qOpts...)
	mgr := manager.New(q, manager.WithThreshold(s.cfg.Research.NewTopicThreshold), manager.WithLogger(s.res.Log))

	run := &Run{ID: runID, Question: strings.TrimSpace(req.Question), Manager: mgr, Ledger: ledger, svc: s}
	if err := s.seed(ctx, run, req, loader); err != nil {
		return nil, err
	}
	mgr.SetPrimaryTopic(run.PrimaryTopic)

	sinks := []progress.Sink{progress.NewLogSink(s.res.Log)}
	if s.res.Redis != nil {
		rc := s.cfg.Storage.Redis
		run.Stream = progress.NewStreamSink(s.res.Redis, rc.Stream,
			progress.WithMaxLenApprox(rc.StreamMaxLen),
			progress.WithStreamLogger(s.res.Log))
		sinks = append(sinks, run.Stream)
	}
	sink := progress.Multi(sinks...)

	policy, err := research.PolicyFor(s.cfg.Research.Policy)
	if err != nil {
		return nil, err
	}
	invoker := tools.NewResilient(s.registry, toolsConfig(s.cfg.Tools),
		tools.WithLogger(s.res.Log),
		tools.WithMetrics(s.res.Metrics),
		tools.WithTracer(s.res.Tracer))

	available := s.registry.Types()
	if len(available) == 0 {
		return nil, errors.New("no research tools are configured")
	}
	defaultTool := s.cfg.Research.DefaultTool
	if !containsString(available, defaultTool) {
		defaultTool = available[0]
	}
	agent, err := research.NewAgent(research.Deps{
		Judge:      llm.Judge{Provider: s.provider},
		Planner:    llm.Planner{Provider: s.provider},
		Summarizer: llm.Summarizer{Provider: s.provider},
		Tools:      invoker,
		Ledger:     ledger,
		Recorder:   mgr,
		Topics:     mgr,
		Policy:     policy,
		Sink:       sink,
		Metrics:    s.res.Metrics,
		Tracer:     s.res.Tracer,
		Log:        s.res.Log,
	}, research.Config{
		MaxIterations:     s.cfg.Research.MaxIterations,
		NewTopicThreshold: s.cfg.Research.NewTopicThreshold,
		DefaultTool:       defaultTool,
		AvailableTools:    available,
	})
	if err != nil {
		return nil, err
	}

	schedCfg := scheduler.Config{
		Mode:         scheduler.Mode(s.cfg.Scheduler.Mode),
		MaxParallel:  s.cfg.Scheduler.MaxParallel,
		PollInterval: s.cfg.Scheduler.PollInterval,
		MaxIdlePolls: s.cfg.Scheduler.MaxIdlePolls,
	}
	if err := schedCfg.Validate(); err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{
		scheduler.WithRunID(runID),
		scheduler.WithSink(sink),
		scheduler.WithMetrics(s.res.Metrics),
		scheduler.WithTracer(s.res.Tracer),
		scheduler.WithLogger(s.res.Log),
	}
	b := budget.FromValues(s.cfg.Budget.MaxTimeSeconds, s.cfg.Budget.MaxToolCalls, s.cfg.Budget.MaxBlocks)
	if !b.IsZero() {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		run.monitor = budget.NewMonitor(b)
		schedOpts = append(schedOpts, scheduler.WithMonitor(run.monitor))
	}
	run.scheduler = scheduler.New(mgr, agent, schedCfg, schedOpts...)
	run.mode = schedCfg.Mode
	if run.mode == "" {
		run.mode = scheduler.ModeSequential
	}

	if s.res.Store != nil {
		if err := s.res.Store.StartRun(ctx, store.Run{
			RunID:        runID,
			Question:     run.Question,
			PrimaryTopic: run.PrimaryTopic,
			Mode:         string(run.mode),
		}); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}
	log.Info().
		Str("primary_topic", run.PrimaryTopic).
		Int("blocks", mgr.Stats().Total).
		Strs("tools", available).
		Msg("run prepared")
	return run, nil
}

// seed fills the queue from a snapshot, a topics file or an LLM decomposition, in
// that order of preference. A resumed run never falls back to seeding.
func (s *Service) seed(ctx context.Context, run *Run, req Request, loader queue.Loader) error {
	if s.cfg.Queue.Resume {
		if loader == nil {
			return errors.New("resume needs queue snapshots (queue.snapshot is none)")
		}
		st, ok, err := loader.LoadQueue(ctx)
		if err != nil {
			return fmt.Errorf("load queue snapshot: %w", err)
		}
		if !ok {
			return fmt.Errorf("no queue snapshot for run %s", run.ID)
		}
		if err := run.Manager.Restore(st); err != nil {
			return err
		}
		var lister citationLister
		if s.res.Store != nil {
			lister = s.res.Store
		}
		if err := restoreLedger(ctx, run.Ledger, run.ID, st, lister); err != nil {
			return err
		}
		s.restoreRunInfo(ctx, run, req)
		s.log.Info().
			Str("run_id", run.ID).
			Uint64("version", st.Version).
			Int("blocks", len(st.Blocks)).
			Int("citations", run.Ledger.Len()).
			Msg("queue restored from snapshot")
		return nil
	}

	if tf := req.Topics; tf != nil {
		if run.Question == "" {
			run.Question = tf.Question
		}
		run.PrimaryTopic = tf.PrimaryTopic
		if run.PrimaryTopic == "" {
			run.PrimaryTopic = run.Question
		}
		subs := make([]llm.Subtopic, 0, len(tf.Topics))
		for _, t := range tf.Topics {
			subs = append(subs, llm.Subtopic{Topic: t.Topic, Overview: t.Overview})
		}
		return s.seedSubtopics(ctx, run, "topics_file", llm.Decomposition{PrimaryTopic: run.PrimaryTopic, Subtopics: subs})
	}

	if run.Question == "" {
		return errors.New("a research question or a topics file is required")
	}
	dec, err := llm.Decomposer{Provider: s.provider}.Decompose(ctx, run.Question, s.cfg.Research.MaxSubtopics)
	if err != nil {
		return fmt.Errorf("decompose question: %w", err)
	}
	run.PrimaryTopic = dec.PrimaryTopic
	return s.seedSubtopics(ctx, run, "decompose", dec)
}

type citationLister interface {
	ListCitations(ctx context.Context, runID string) ([]citation.Entry, error)
}

// restoreLedger rebuilds the ledger of a resumed run from the stored citation rows
// and from the traces kept in the snapshot, so new IDs continue after the old ones.
// Sequence 1 always belongs to the seeding citation.
func restoreLedger(ctx context.Context, ledger *citation.Ledger, runID string, st queue.State, lister citationLister) error {
	if lister != nil {
		entries, err := lister.ListCitations(ctx, runID)
		if err != nil {
			return fmt.Errorf("load citations of run %s: %w", runID, err)
		}
		ledger.Restore(entries)
	}
	var traced []citation.Entry
	for _, b := range st.Blocks {
		for _, tr := range b.Traces {
			traced = append(traced, citation.Entry{
				ID:         tr.CitationID,
				Stage:      tr.CitationID.Stage,
				BlockID:    b.ID,
				ToolType:   tr.ToolType,
				Query:      tr.Query,
				RawAnswer:  tr.RawAnswer,
				Summary:    tr.Summary,
				IssuedAt:   tr.CreatedAt,
				RecordedAt: tr.CreatedAt,
			})
		}
	}
	ledger.Restore(traced)
	ledger.Reserve(1)
	return nil
}

// restoreRunInfo recovers the question and primary topic of a resumed run. The
// request wins over the stored run record.
func (s *Service) restoreRunInfo(ctx context.Context, run *Run, req Request) {
	if s.res.Store != nil {
		prev, ok, err := s.res.Store.GetRun(ctx, run.ID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("run_id", run.ID).Msg("stored run not loaded")
		case ok:
			if run.Question == "" {
				run.Question = prev.Question
			}
			run.PrimaryTopic = prev.PrimaryTopic
		}
	}
	if tf := req.Topics; tf != nil && tf.PrimaryTopic != "" {
		run.PrimaryTopic = tf.PrimaryTopic
	}
	if run.PrimaryTopic == "" {
		run.PrimaryTopic = run.Question
	}
}

func (s *Service) seedSubtopics(ctx context.Context, run *Run, source string, dec llm.Decomposition) error {
	id := run.Ledger.NextID(citation.StagePlanning, "")
	raw, _ := json.Marshal(dec)
	titles := make([]string, 0, len(dec.Subtopics))
	for _, st := range dec.Subtopics {
		if _, err := run.Manager.Seed(st.Topic, st.Overview); err != nil {
			continue
		}
		titles = append(titles, st.Topic)
	}
	if len(titles) == 0 {
		return errors.New("no subtopic could be queued")
	}
	if err := run.Ledger.Record(ctx, id, citation.Record{
		ToolType:  source,
		Query:     run.Question,
		RawAnswer: string(raw),
		Summary:   fmt.Sprintf("%s split into: %s", dec.PrimaryTopic, strings.Join(titles, "; ")),
	}); err != nil {
		s.log.Warn().Err(err).Str("citation_id", id.String()).Msg("planning citation not persisted")
	}
	return nil
}

func (s *Service) snapshots(runID string) (queue.Persister, queue.Loader, error) {
	switch s.cfg.Queue.Snapshot {
	case "file":
		if strings.ContainsAny(runID, `/\`) || strings.HasPrefix(runID, ".") {
			return nil, nil, fmt.Errorf("run id %q cannot name a snapshot file", runID)
		}
		fp, err := queue.NewFilePersister(filepath.Join(s.cfg.Queue.SnapshotDir, runID+".json"))
		if err != nil {
			return nil, nil, err
		}
		return fp, fp, nil
	case "redis":
		if s.res.Redis == nil {
			return nil, nil, errors.New("redis snapshots need storage.redis")
		}
		rc := s.cfg.Storage.Redis
		rs := store.NewRedisQueueStore(s.res.Redis, rc.KeyPrefix, runID, rc.SnapshotTTL)
		return rs, rs, nil
	case "postgres":
		if s.res.Store == nil {
			return nil, nil, errors.New("postgres snapshots need storage.postgres")
		}
		ps := s.res.Store.QueueSnapshots(runID)
		return ps, ps, nil
	}
	return nil, nil, nil
}

// Execute drains the queue and records the outcome. A run with failed blocks still
// returns a nil error; the report's statistics carry the failed count.
func (r *Run) Execute(ctx context.Context) (*Report, error) {
	summary, runErr := r.scheduler.Run(ctx)

	report := &Report{
		RunID:        r.ID,
		Question:     r.Question,
		PrimaryTopic: r.PrimaryTopic,
		Mode:         string(r.mode),
		Stats:        summary.Stats,
		Elapsed:      summary.Elapsed.Round(time.Millisecond).String(),
		Blocks:       r.Manager.Blocks(),
		Citations:    citation.FormatAll(r.Ledger.Entries()),
	}
	if r.monitor != nil {
		usage := r.monitor.Usage()
		report.Budget = &usage
	}
	status := store.RunStatusCompleted
	if runErr != nil {
		report.Error = runErr.Error()
		status = store.RunStatusFailed
	}
	if st := r.svc.res.Store; st != nil {
		// the run context may already be cancelled
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := st.FinishRun(finishCtx, r.ID, status, summary.Stats, runErr); err != nil {
			r.svc.log.Warn().Err(err).Str("run_id", r.ID).Msg("run outcome not persisted")
		}
		cancel()
	}
	return report, runErr
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
