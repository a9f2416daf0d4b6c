package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/manager"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type researcherFunc func(ctx context.Context, b queue.TopicBlock) (research.Result, error)

func (f researcherFunc) Process(ctx context.Context, b queue.TopicBlock) (research.Result, error) {
	return f(ctx, b)
}

func done(b queue.TopicBlock) (research.Result, error) {
	return research.Result{BlockID: b.ID, Status: research.StatusSufficient, Iterations: 1}, nil
}

func seeded(t *testing.T, topics ...string) *manager.Manager {
	t.Helper()
	m := manager.New(queue.New(queue.WithMaxLength(50)))
	for _, topic := range topics {
		_, err := m.Seed(topic, "")
		require.NoError(t, err)
	}
	return m
}

func fastParallel(n int) Config {
	return Config{Mode: ModeParallel, MaxParallel: n, PollInterval: 5 * time.Millisecond, MaxIdlePolls: 200}
}

func TestSequentialPicksUpDiscoveredTopics(t *testing.T) {
	m := seeded(t, "A", "B")
	var order []string
	r := researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		order = append(order, b.Topic)
		if b.Topic == "A" {
			adm := m.AddTopic(manager.Proposal{Topic: "A2", Score: 0.9, Recommend: true})
			require.True(t, adm.Accepted)
		}
		return done(b)
	})

	sum, err := New(m, r, Config{Mode: ModeSequential}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "A2"}, order)
	assert.Equal(t, 3, sum.Stats.Completed)
	assert.Len(t, sum.Results, 3)
	assert.True(t, m.IsDrained())
}

func TestParallelRespectsPermitPool(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10")
	var inFlight, peak int32
	r := researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return done(b)
	})

	sum, err := New(m, r, fastParallel(3)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Stats.Completed)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestParallelWaitsForTopicsInsertedMidRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "root")
	var processed sync.Map
	r := researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		processed.Store(b.Topic, true)
		if b.Topic == "root" {
			// the scheduler is idle-waiting while this block is the only one in flight
			time.Sleep(30 * time.Millisecond)
			m.AddTopic(manager.Proposal{Topic: "child one", Score: 0.8, Recommend: true})
			time.Sleep(10 * time.Millisecond)
			m.AddTopic(manager.Proposal{Topic: "child two", Score: 0.8, Recommend: true})
		}
		if b.Topic == "child one" {
			m.AddTopic(manager.Proposal{Topic: "grandchild", Score: 0.95, Recommend: true})
		}
		return done(b)
	})

	sum, err := New(m, r, fastParallel(2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Stats.Total)
	assert.Equal(t, 4, sum.Stats.Completed)
	for _, topic := range []string{"root", "child one", "child two", "grandchild"} {
		_, ok := processed.Load(topic)
		assert.True(t, ok, topic)
	}
}

func TestFailureIsIsolatedToOneBlock(t *testing.T) {
	for _, mode := range []Mode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			defer goleak.VerifyNone(t)

			m := seeded(t, "ok one", "boom", "broken", "ok two")
			r := researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
				switch b.Topic {
				case "boom":
					panic("nil map write")
				case "broken":
					return research.Result{}, errors.New("recorder unavailable")
				}
				return done(b)
			})
			cfg := fastParallel(2)
			cfg.Mode = mode

			sum, err := New(m, r, cfg).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Stats.Completed)
			assert.Equal(t, 2, sum.Stats.Failed)

			var reasons []string
			for _, b := range m.Blocks() {
				if b.Status == queue.StatusFailed {
					reasons = append(reasons, b.FailureReason)
				}
			}
			assert.ElementsMatch(t, []string{"panic: nil map write", "recorder unavailable"}, reasons)
		})
	}
}

func TestParallelStallCancelsInFlightWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "hangs", "fine")
	r := researcherFunc(func(ctx context.Context, b queue.TopicBlock) (research.Result, error) {
		if b.Topic == "hangs" {
			<-ctx.Done()
			return research.Result{}, ctx.Err()
		}
		return done(b)
	})
	cfg := fastParallel(2)
	cfg.MaxIdlePolls = 4

	sum, err := New(m, r, cfg).Run(context.Background())
	require.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, 1, sum.Stats.Completed)
	assert.Equal(t, 1, sum.Stats.Failed)
	assert.True(t, m.IsDrained())
}

func TestHeartbeatsKeepSlowBlocksAlive(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "slow")
	cfg := fastParallel(1)
	cfg.MaxIdlePolls = 4

	r := researcherFunc(func(ctx context.Context, b queue.TopicBlock) (research.Result, error) {
		// ten times the idle window, with no queue mutation in between
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			m.Heartbeat(b.ID)
			select {
			case <-ctx.Done():
				return research.Result{}, ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
		return done(b)
	})

	sum, err := New(m, r, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Completed)
}

func TestPanickingSinkDoesNotLeakPermits(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "a", "b", "c")
	sink := progress.Func(func(_ context.Context, ev progress.Event) {
		if ev.Type == progress.EventBlockCompleted {
			panic("sink broke")
		}
	})

	sum, err := New(m, researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		return done(b)
	}), fastParallel(1), WithSink(sink)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Stats.Completed)
}

func TestBudgetStopsClaiming(t *testing.T) {
	for _, mode := range []Mode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			m := seeded(t, "a", "b", "c")
			cfg := fastParallel(1)
			cfg.Mode = mode
			mon := budget.NewMonitor(budget.FromValues(0, 0, 1))

			sum, err := New(m, researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
				return done(b)
			}), cfg, WithMonitor(mon)).Run(context.Background())

			var exceeded budget.ErrExceeded
			require.ErrorAs(t, err, &exceeded)
			assert.Equal(t, budget.KindBlocks, exceeded.Kind)
			assert.Equal(t, 1, sum.Stats.Completed)
			assert.Equal(t, 2, sum.Stats.Pending)
		})
	}
}

func TestCancelledContextStopsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := seeded(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(m, researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		return done(b)
	}), fastParallel(2)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProgressEventsCarryRunID(t *testing.T) {
	m := seeded(t, "a")
	var mu sync.Mutex
	var events []progress.Event
	sink := progress.Func(func(_ context.Context, ev progress.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := New(m, researcherFunc(func(_ context.Context, b queue.TopicBlock) (research.Result, error) {
		return done(b)
	}), Config{}, WithSink(sink), WithRunID("run-1")).Run(context.Background())
	require.NoError(t, err)

	var types []progress.EventType
	for _, ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
		assert.False(t, ev.At.IsZero())
		types = append(types, ev.Type)
	}
	assert.Equal(t, []progress.EventType{
		progress.EventRunStarted, progress.EventBlockClaimed, progress.EventBlockCompleted, progress.EventRunFinished,
	}, types)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Mode: ModeParallel}.Validate())
	assert.Error(t, Config{Mode: "eager"}.Validate())
}
