package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyTopic        = errors.New("topic title is empty")
	ErrDuplicateTopic    = errors.New("topic already queued")
	ErrCapacity          = errors.New("topic queue is at capacity")
	ErrUnknownBlock      = errors.New("unknown topic block")
	ErrInvalidTransition = errors.New("invalid block status transition")
)

// Queue is the shared, capacity-bounded collection of topic blocks.
//
// Blocks are kept in an append-only log indexed by ID; pending/researching views are
// computed by scanning it. Callers only ever see copies.
type Queue struct {
	mu        sync.Mutex
	blocks    []*TopicBlock
	byID      map[string]int
	byTitle   map[string]string
	maxLength int
	nextSeq   int
	version   uint64

	persister Persister
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxLength bounds the total number of blocks. Zero means unbounded.
func WithMaxLength(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxLength = n
		}
	}
}

// WithPersister writes a snapshot after every mutation.
func WithPersister(p Persister) Option {
	return func(q *Queue) { q.persister = p }
}

// WithLogger sets the queue logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log.With().Str("component", "queue").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID:    make(map[string]int),
		byTitle: make(map[string]string),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxLength returns the configured capacity (0 when unbounded).
func (q *Queue) MaxLength() int { return q.maxLength }

// Add appends a new pending block produced by the initial decomposition.
func (q *Queue) Add(topic, overview string) (TopicBlock, error) {
	return q.add(topic, overview, OriginDecomposition, 0)
}

// AddDiscovered appends a block proposed mid-run by another block's research loop.
func (q *Queue) AddDiscovered(topic, overview string, score float64) (TopicBlock, error) {
	return q.add(topic, overview, OriginDiscovered, score)
}

func (q *Queue) add(topic, overview string, origin Origin, score float64) (TopicBlock, error) {
	topic = strings.TrimSpace(topic)
	key := normalizeTopic(topic)
	if key == "" {
		return TopicBlock{}, ErrEmptyTopic
	}

	q.mu.Lock()
	if existing, ok := q.byTitle[key]; ok {
		q.mu.Unlock()
		return TopicBlock{}, fmt.Errorf("%w: %q matches %s", ErrDuplicateTopic, topic, existing)
	}
	if q.maxLength > 0 && len(q.blocks) >= q.maxLength {
		q.mu.Unlock()
		return TopicBlock{}, fmt.Errorf("%w (%d)", ErrCapacity, q.maxLength)
	}
	q.nextSeq++
	now := q.now()
	block := &TopicBlock{
		ID:        fmt.Sprintf("block_%d", q.nextSeq),
		Topic:     topic,
		Overview:  strings.TrimSpace(overview),
		Status:    StatusPending,
		Origin:    origin,
		Score:     score,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.byID[block.ID] = len(q.blocks)
	q.byTitle[key] = block.ID
	q.blocks = append(q.blocks, block)
	out := block.clone()
	state := q.stateLocked()
	q.mu.Unlock()

	q.persist(state)
	return out, nil
}

// ClaimNextPending flips the oldest pending block to researching and returns it.
func (q *Queue) ClaimNextPending() (TopicBlock, bool) {
	q.mu.Lock()
	for _, b := range q.blocks {
		if b.Status != StatusPending {
			continue
		}
		b.Status = StatusResearching
		b.UpdatedAt = q.now()
		out := b.clone()
		state := q.stateLocked()
		q.mu.Unlock()
		q.persist(state)
		return out, true
	}
	q.mu.Unlock()
	return TopicBlock{}, false
}

// MarkCompleted moves a researching block to completed.
func (q *Queue) MarkCompleted(id string) error {
	return q.finish(id, StatusCompleted, "")
}

// MarkFailed moves a researching block to failed. Failed blocks stay in the queue.
func (q *Queue) MarkFailed(id, reason string) error {
	return q.finish(id, StatusFailed, reason)
}

func (q *Queue) finish(id string, to Status, reason string) error {
	q.mu.Lock()
	b, err := q.lookupLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if b.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	if b.Status != StatusResearching {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, b.Status, to)
	}
	b.Status = to
	b.FailureReason = reason
	b.UpdatedAt = q.now()
	state := q.stateLocked()
	q.mu.Unlock()

	q.persist(state)
	return nil
}

// AppendTrace adds a tool trace to a block that is being researched.
func (q *Queue) AppendTrace(id string, trace ToolTrace) error {
	q.mu.Lock()
	b, err := q.lookupLocked(id)
	if err == nil && b.Status != StatusResearching {
		err = fmt.Errorf("%w: trace on %s block %s", ErrInvalidTransition, b.Status, id)
	}
	if err != nil {
		q.mu.Unlock()
		return err
	}
	b.Traces = append(b.Traces, trace)
	b.UpdatedAt = q.now()
	state := q.stateLocked()
	q.mu.Unlock()

	q.persist(state)
	return nil
}

// SetIteration records the iteration counter of a block that is being researched.
func (q *Queue) SetIteration(id string, n int) error {
	q.mu.Lock()
	b, err := q.lookupLocked(id)
	if err == nil && b.Status != StatusResearching {
		err = fmt.Errorf("%w: iteration on %s block %s", ErrInvalidTransition, b.Status, id)
	}
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if n < 0 {
		n = 0
	}
	b.Iteration = n
	b.UpdatedAt = q.now()
	state := q.stateLocked()
	q.mu.Unlock()

	q.persist(state)
	return nil
}

// IsDrained reports whether no block is pending or researching.
func (q *Queue) IsDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.blocks {
		if !b.Status.Terminal() {
			return false
		}
	}
	return true
}

// Snapshot returns per-status counts and the total number of tool calls.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Get returns a copy of one block.
func (q *Queue) Get(id string) (TopicBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, err := q.lookupLocked(id)
	if err != nil {
		return TopicBlock{}, false
	}
	return b.clone(), true
}

// Blocks returns copies of every block in insertion order.
func (q *Queue) Blocks() []TopicBlock {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TopicBlock, len(q.blocks))
	for i, b := range q.blocks {
		out[i] = b.clone()
	}
	return out
}

// Len returns the number of blocks ever added.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

func (q *Queue) lookupLocked(id string) (*TopicBlock, error) {
	idx, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return q.blocks[idx], nil
}

func (q *Queue) statsLocked() Stats {
	st := Stats{Total: len(q.blocks)}
	for _, b := range q.blocks {
		switch b.Status {
		case StatusPending:
			st.Pending++
		case StatusResearching:
			st.Researching++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		st.ToolCalls += len(b.Traces)
	}
	return st
}
