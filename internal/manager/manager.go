package manager

import (
	"errors"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/rs/zerolog"
)

// DefaultThreshold is the minimum confidence a discovered topic needs to be queued.
const DefaultThreshold = 0.75

// Proposal is a request from a research loop to queue a new sibling topic.
type Proposal struct {
	Topic     string
	Overview  string
	Score     float64
	Recommend bool
	// SourceBlockID is the block whose research produced the proposal.
	SourceBlockID string
}

// Admission reports what happened to a Proposal.
type Admission struct {
	Accepted bool
	BlockID  string
	Reason   string
}

// Rejection reasons returned in Admission.Reason.
const (
	ReasonEmptyTopic     = "empty_topic"
	ReasonNotRecommended = "not_recommended"
	ReasonLowScore       = "below_threshold"
	ReasonDuplicate      = "duplicate"
	ReasonCapacity       = "capacity"
	ReasonRejected       = "rejected"
)

// Manager is the only component allowed to mutate the topic queue.
type Manager struct {
	q         *queue.Queue
	threshold float64
	log       zerolog.Logger

	mu           sync.RWMutex
	primaryTopic string

	changed chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold sets the confidence gate for discovered topics.
func WithThreshold(th float64) Option {
	return func(m *Manager) {
		if th >= 0 {
			m.threshold = th
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log.With().Str("component", "manager").Logger() }
}

// New wraps q.
func New(q *queue.Queue, opts ...Option) *Manager {
	m := &Manager{
		q:         q,
		threshold: DefaultThreshold,
		log:       zerolog.Nop(),
		changed:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPrimaryTopic remembers the optimised top-level research topic.
func (m *Manager) SetPrimaryTopic(topic string) {
	m.mu.Lock()
	m.primaryTopic = strings.TrimSpace(topic)
	m.mu.Unlock()
}

// PrimaryTopic returns the remembered top-level topic.
func (m *Manager) PrimaryTopic() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primaryTopic
}

// Changed fires after queue mutations, including in-flight progress. Notifications coalesce; receivers must re-read state.
func (m *Manager) Changed() <-chan struct{} { return m.changed }

func (m *Manager) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Seed inserts a topic from the initial decomposition. No score gate applies.
func (m *Manager) Seed(topic, overview string) (queue.TopicBlock, error) {
	b, err := m.q.Add(topic, overview)
	if err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("seed topic rejected")
		return queue.TopicBlock{}, err
	}
	m.log.Info().Str("block_id", b.ID).Str("topic", b.Topic).Msg("seed topic queued")
	m.notify()
	return b, nil
}

// Restore rebuilds the queue from a snapshot before any work is claimed.
func (m *Manager) Restore(state queue.State) error {
	if err := m.q.Restore(state); err != nil {
		return err
	}
	st := m.q.Snapshot()
	m.log.Info().Int("total", st.Total).Int("pending", st.Pending).Int("failed", st.Failed).Msg("queue restored")
	m.notify()
	return nil
}

// AddTopic applies the admission policy to a discovered topic. It never fails the
// caller; rejections are logged and reported in the Admission.
func (m *Manager) AddTopic(p Proposal) Admission {
	logger := m.log.With().
		Str("topic", p.Topic).
		Float64("score", p.Score).
		Str("source_block", p.SourceBlockID).
		Logger()

	if strings.TrimSpace(p.Topic) == "" {
		logger.Debug().Msg("discovered topic dropped: empty title")
		return Admission{Reason: ReasonEmptyTopic}
	}
	if !p.Recommend {
		logger.Debug().Msg("discovered topic dropped: not recommended")
		return Admission{Reason: ReasonNotRecommended}
	}
	if p.Score < m.threshold {
		logger.Info().Float64("threshold", m.threshold).Msg("discovered topic dropped: below threshold")
		return Admission{Reason: ReasonLowScore}
	}

	b, err := m.q.AddDiscovered(p.Topic, p.Overview, p.Score)
	if err != nil {
		reason := ReasonRejected
		switch {
		case errors.Is(err, queue.ErrDuplicateTopic):
			reason = ReasonDuplicate
		case errors.Is(err, queue.ErrCapacity):
			reason = ReasonCapacity
		case errors.Is(err, queue.ErrEmptyTopic):
			reason = ReasonEmptyTopic
		}
		logger.Info().Err(err).Str("reason", reason).Msg("discovered topic rejected by queue")
		return Admission{Reason: reason}
	}
	logger.Info().Str("block_id", b.ID).Msg("discovered topic queued")
	m.notify()
	return Admission{Accepted: true, BlockID: b.ID}
}

// ClaimNext claims the oldest pending block.
func (m *Manager) ClaimNext() (queue.TopicBlock, bool) {
	b, ok := m.q.ClaimNextPending()
	if ok {
		m.log.Debug().Str("block_id", b.ID).Str("topic", b.Topic).Msg("block claimed")
	}
	return b, ok
}

// Complete marks a block completed.
func (m *Manager) Complete(id string) error {
	defer m.notify()
	return m.q.MarkCompleted(id)
}

// Fail marks a block failed.
func (m *Manager) Fail(id, reason string) error {
	defer m.notify()
	return m.q.MarkFailed(id, reason)
}

// AppendTrace records a tool trace against a claimed block.
func (m *Manager) AppendTrace(id string, trace queue.ToolTrace) error {
	if err := m.q.AppendTrace(id, trace); err != nil {
		return err
	}
	m.notify()
	return nil
}

// SetIteration records the iteration counter of a claimed block.
func (m *Manager) SetIteration(id string, n int) error {
	if err := m.q.SetIteration(id, n); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Heartbeat wakes the scheduler without touching the queue. Long collaborator calls
// use it so a slow block is not mistaken for a stalled one.
func (m *Manager) Heartbeat(id string) {
	m.log.Trace().Str("block_id", id).Msg("heartbeat")
	m.notify()
}

// IsDrained reports whether every block is terminal.
func (m *Manager) IsDrained() bool { return m.q.IsDrained() }

// Stats returns the queue statistics snapshot.
func (m *Manager) Stats() queue.Stats { return m.q.Snapshot() }

// Blocks returns copies of all blocks.
func (m *Manager) Blocks() []queue.TopicBlock { return m.q.Blocks() }

// Block returns a copy of one block.
func (m *Manager) Block(id string) (queue.TopicBlock, bool) { return m.q.Get(id) }
