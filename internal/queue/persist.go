package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// persistTimeout bounds one snapshot write; mutations themselves never block on I/O errors.
const persistTimeout = 5 * time.Second

// State is the serialisable form of a queue.
type State struct {
	Version   uint64       `json:"version"`
	MaxLength int          `json:"max_length,omitempty"`
	Blocks    []TopicBlock `json:"blocks"`
	Stats     Stats        `json:"statistics"`
	SavedAt   time.Time    `json:"saved_at"`
}

// Persister stores queue snapshots for crash recovery and progress observation.
type Persister interface {
	SaveQueue(ctx context.Context, state State) error
}

// Loader reads back the last stored snapshot.
type Loader interface {
	LoadQueue(ctx context.Context) (State, bool, error)
}

// State returns a serialisable copy of the queue.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.buildStateLocked()
	return *st
}

func (q *Queue) stateLocked() *State {
	q.version++
	if q.persister == nil {
		return nil
	}
	return q.buildStateLocked()
}

func (q *Queue) buildStateLocked() *State {
	blocks := make([]TopicBlock, len(q.blocks))
	for i, b := range q.blocks {
		blocks[i] = b.clone()
	}
	return &State{
		Version:   q.version,
		MaxLength: q.maxLength,
		Blocks:    blocks,
		Stats:     q.statsLocked(),
		SavedAt:   q.now(),
	}
}

func (q *Queue) persist(state *State) {
	if state == nil || q.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.persister.SaveQueue(ctx, *state); err != nil {
		q.log.Warn().Err(err).Uint64("version", state.Version).Msg("queue snapshot not persisted")
	}
}

// Restore rebuilds a queue from a snapshot. Blocks caught mid-research by a crash
// cannot go back to pending, so they are restored as failed.
func (q *Queue) Restore(state State) error {
	q.mu.Lock()
	if len(q.blocks) > 0 {
		q.mu.Unlock()
		return fmt.Errorf("restore into non-empty queue (%d blocks)", len(q.blocks))
	}
	if state.MaxLength > 0 && q.maxLength == 0 {
		q.maxLength = state.MaxLength
	}
	maxSeq := 0
	for i := range state.Blocks {
		b := state.Blocks[i].clone()
		key := normalizeTopic(b.Topic)
		if key == "" || b.ID == "" {
			continue
		}
		if _, dup := q.byTitle[key]; dup {
			continue
		}
		if _, dup := q.byID[b.ID]; dup {
			continue
		}
		if b.Status == StatusResearching {
			b.Status = StatusFailed
			b.FailureReason = "interrupted"
		}
		var seq int
		if _, err := fmt.Sscanf(b.ID, "block_%d", &seq); err == nil && seq > maxSeq {
			maxSeq = seq
		}
		q.byID[b.ID] = len(q.blocks)
		q.byTitle[key] = b.ID
		q.blocks = append(q.blocks, &b)
	}
	if maxSeq > q.nextSeq {
		q.nextSeq = maxSeq
	}
	if state.Version > q.version {
		q.version = state.Version
	}
	snapshot := q.stateLocked()
	q.mu.Unlock()

	q.persist(snapshot)
	return nil
}

// FilePersister writes each snapshot as JSON, replacing the file atomically.
// Writes carrying an older version than the last one written are dropped, so
// concurrent mutations never regress the file.
type FilePersister struct {
	path string

	mu   sync.Mutex
	last uint64
}

// NewFilePersister writes snapshots to path, creating the parent directory.
func NewFilePersister(path string) (*FilePersister, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("queue snapshot path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FilePersister{path: path}, nil
}

// SaveQueue implements Persister.
func (p *FilePersister) SaveQueue(ctx context.Context, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Version != 0 && state.Version <= p.last {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace queue snapshot: %w", err)
	}
	p.last = state.Version
	return nil
}

// LoadQueue implements Loader. A missing file is not an error.
func (p *FilePersister) LoadQueue(ctx context.Context) (State, bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read queue snapshot: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return st, true, nil
}

var (
	_ Persister = (*FilePersister)(nil)
	_ Loader    = (*FilePersister)(nil)
)
