package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrStalled is returned when in-flight blocks stop making progress for longer than
// MaxIdlePolls poll intervals.
var ErrStalled = errors.New("scheduler stalled waiting for in-flight topics")

// Mode selects how blocks are drained.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Config tunes the scheduler.
type Config struct {
	Mode         Mode
	MaxParallel  int
	PollInterval time.Duration
	MaxIdlePolls int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSequential
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxIdlePolls <= 0 {
		c.MaxIdlePolls = 240
	}
	return c
}

// Validate rejects unknown modes.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeSequential, ModeParallel:
		return nil
	}
	return fmt.Errorf("unknown scheduler mode %q", c.Mode)
}

// Dispatcher is the queue surface the scheduler needs. Implemented by *manager.Manager.
type Dispatcher interface {
	ClaimNext() (queue.TopicBlock, bool)
	Complete(id string) error
	Fail(id, reason string) error
	IsDrained() bool
	Stats() queue.Stats
	Changed() <-chan struct{}
}

// Researcher processes one claimed block. Implemented by *research.Agent.
type Researcher interface {
	Process(ctx context.Context, block queue.TopicBlock) (research.Result, error)
}

// Summary describes a finished run. Failed blocks are reported here, not as an error.
type Summary struct {
	RunID   string
	Mode    Mode
	Stats   queue.Stats
	Elapsed time.Duration
	Results []research.Result
}

// Scheduler drains the topic queue through a Researcher.
type Scheduler struct {
	mgr        Dispatcher
	researcher Researcher
	cfg        Config

	runID   string
	sink    progress.Sink
	monitor *budget.Monitor
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	log     zerolog.Logger

	mu      sync.Mutex
	results []research.Result
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSink sets the progress sink.
func WithSink(s progress.Sink) Option { return func(sc *Scheduler) { sc.sink = progress.OrNop(s) } }

// WithMonitor checks the run budget before every claim.
func WithMonitor(m *budget.Monitor) Option { return func(sc *Scheduler) { sc.monitor = m } }

// WithMetrics records block outcomes.
func WithMetrics(m *telemetry.Metrics) Option { return func(sc *Scheduler) { sc.metrics = m } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(sc *Scheduler) {
		if t != nil {
			sc.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(sc *Scheduler) { sc.log = log.With().Str("component", "scheduler").Logger() }
}

// WithRunID tags progress events.
func WithRunID(id string) Option { return func(sc *Scheduler) { sc.runID = id } }

// New builds a scheduler.
func New(mgr Dispatcher, researcher Researcher, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		mgr:        mgr,
		researcher: researcher,
		cfg:        cfg.withDefaults(),
		runID:      uuid.NewString(),
		sink:       progress.Nop(),
		tracer:     otel.Tracer("researcher/scheduler"),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains the queue. It returns nil once every block is terminal, ErrStalled when
// in-flight work stops progressing, a budget.ErrExceeded when the budget runs out, or
// the context error on cancellation.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.String("scheduler.mode", string(s.cfg.Mode)),
	))
	defer span.End()

	s.log.Info().Str("run_id", s.runID).Str("mode", string(s.cfg.Mode)).Int("max_parallel", s.cfg.MaxParallel).Msg("scheduler started")
	s.emit(ctx, progress.Event{Type: progress.EventRunStarted, Data: map[string]any{"mode": string(s.cfg.Mode)}})

	var err error
	if s.cfg.Mode == ModeParallel {
		err = s.runParallel(ctx)
	} else {
		err = s.runSequential(ctx)
	}

	s.mu.Lock()
	results := append([]research.Result(nil), s.results...)
	s.mu.Unlock()
	sum := Summary{
		RunID:   s.runID,
		Mode:    s.cfg.Mode,
		Stats:   s.mgr.Stats(),
		Elapsed: time.Since(start),
		Results: results,
	}

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run ended early")
	}
	ev.Int("completed", sum.Stats.Completed).Int("failed", sum.Stats.Failed).Int("pending", sum.Stats.Pending).
		Int("tool_calls", sum.Stats.ToolCalls).Dur("elapsed", sum.Elapsed).Msg("scheduler finished")
	s.emit(ctx, progress.Event{Type: progress.EventRunFinished, Data: map[string]any{
		"completed": sum.Stats.Completed, "failed": sum.Stats.Failed, "pending": sum.Stats.Pending,
		"tool_calls": sum.Stats.ToolCalls,
	}})
	return sum, err
}

func (s *Scheduler) runSequential(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.checkBudget(); err != nil {
			return err
		}
		block, ok := s.claim()
		if !ok {
			// nothing is in flight in sequential mode, so no pending means drained
			return nil
		}
		s.runBlock(ctx, block)
	}
}

func (s *Scheduler) runParallel(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(s.cfg.MaxParallel))
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wake := make(chan struct{}, 1)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	idle := 0
	waiting := false
	var runErr error

loop:
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := s.checkBudget(); err != nil {
			runErr = err
			break
		}
		if sem.TryAcquire(1) {
			block, ok := s.claim()
			if ok {
				idle, waiting = 0, false
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer signal(wake)
					defer sem.Release(1)
					s.runBlock(workCtx, block)
				}()
				continue
			}
			sem.Release(1)
			if s.mgr.IsDrained() {
				break
			}
			if !waiting {
				waiting = true
				s.emit(ctx, progress.Event{Type: progress.EventWaitingForNewTopic})
			}
		}

		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-s.mgr.Changed():
			idle = 0
		case <-wake:
			idle = 0
		case <-ticker.C:
			idle++
			if idle >= s.cfg.MaxIdlePolls {
				st := s.mgr.Stats()
				s.log.Error().Int("idle_polls", idle).Int("researching", st.Researching).Msg("no progress from in-flight blocks; cancelling")
				runErr = ErrStalled
				break loop
			}
		}
	}

	if errors.Is(runErr, ErrStalled) {
		cancel()
	}
	wg.Wait()
	if runErr == nil && !s.mgr.IsDrained() {
		return fmt.Errorf("queue not drained after workers finished: %+v", s.mgr.Stats())
	}
	return runErr
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// claim takes the next pending block and charges it to the budget before any
// further claim decision is made.
func (s *Scheduler) claim() (queue.TopicBlock, bool) {
	block, ok := s.mgr.ClaimNext()
	if ok && s.monitor != nil {
		s.monitor.AddBlock()
	}
	return block, ok
}

func (s *Scheduler) checkBudget() error {
	if s.monitor == nil {
		return nil
	}
	if err := s.monitor.Check(); err != nil {
		s.log.Warn().Err(err).Msg("budget exhausted; no further blocks will be claimed")
		return err
	}
	return nil
}

// runBlock researches one block and reconciles its outcome. A failure of any kind
// only marks this block failed.
func (s *Scheduler) runBlock(ctx context.Context, block queue.TopicBlock) {
	ctx, span := s.tracer.Start(ctx, "scheduler.block", trace.WithAttributes(
		attribute.String("block.id", block.ID),
		attribute.String("block.topic", block.Topic),
	))
	defer span.End()

	log := s.log.With().Str("block_id", block.ID).Str("topic", block.Topic).Logger()
	s.metrics.BlockStarted()
	s.emit(ctx, progress.Event{Type: progress.EventBlockClaimed, BlockID: block.ID, Topic: block.Topic})
	log.Info().Msg("block claimed")

	res, err := s.process(ctx, block)
	if res.BlockID == "" {
		res.BlockID = block.ID
	}
	if s.monitor != nil {
		s.monitor.AddToolCalls(int64(len(res.Traces)))
	}

	if err != nil {
		reason := failureReason(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		log.Error().Err(err).Msg("block failed")
		if ferr := s.mgr.Fail(block.ID, reason); ferr != nil {
			log.Error().Err(ferr).Msg("could not mark block failed")
		}
		s.metrics.BlockFinished(string(queue.StatusFailed), res.Iterations)
		s.emit(ctx, progress.Event{Type: progress.EventBlockFailed, BlockID: block.ID, Topic: block.Topic, Message: reason})
		return
	}

	if cerr := s.mgr.Complete(block.ID); cerr != nil {
		log.Error().Err(cerr).Msg("could not mark block completed")
	}
	s.metrics.BlockFinished(string(queue.StatusCompleted), res.Iterations)
	log.Info().Str("status", res.Status).Int("iterations", res.Iterations).Int("traces", len(res.Traces)).Msg("block completed")
	s.emit(ctx, progress.Event{
		Type: progress.EventBlockCompleted, BlockID: block.ID, Topic: block.Topic,
		Iteration: res.Iterations, Message: res.Status,
	})

	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func (s *Scheduler) process(ctx context.Context, block queue.TopicBlock) (res research.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("block_id", block.ID).Str("stack", string(debug.Stack())).Msg("research panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.researcher.Process(ctx, block)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// emit never lets a misbehaving sink take a worker down with it.
func (s *Scheduler) emit(ctx context.Context, ev progress.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", string(ev.Type)).Interface("panic", r).Msg("progress sink panicked")
		}
	}()
	ev.RunID = s.runID
	s.sink.Emit(ctx, progress.Stamp(ev))
}
