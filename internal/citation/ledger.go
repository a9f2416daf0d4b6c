package citation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownID is returned when recording against an ID the ledger never issued.
var ErrUnknownID = errors.New("citation id was not issued by this ledger")

// Record is the provenance payload stored against an issued ID.
type Record struct {
	ToolType  string
	Query     string
	RawAnswer string
	Summary   string
}

// Entry is one ledger row.
type Entry struct {
	ID         ID        `json:"id"`
	Stage      Stage     `json:"stage"`
	BlockID    string    `json:"block_id,omitempty"`
	ToolType   string    `json:"tool_type,omitempty"`
	Query      string    `json:"query,omitempty"`
	RawAnswer  string    `json:"raw_answer,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// Recorded reports whether provenance was stored for the entry.
func (e Entry) Recorded() bool { return !e.RecordedAt.IsZero() }

// Store persists ledger entries outside the process.
type Store interface {
	SaveCitation(ctx context.Context, runID string, entry Entry) error
}

// Ledger issues citation IDs and keeps the provenance attached to them.
// One Ledger belongs to one research run and is shared by every topic loop.
type Ledger struct {
	mu      sync.Mutex
	runID   string
	seq     uint64
	entries map[uint64]*Entry
	store   Store
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore forwards recorded entries to a durable store.
func WithStore(st Store) Option {
	return func(l *Ledger) { l.store = st }
}

// WithLogger sets the ledger logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "citation").Logger() }
}

// WithRunID tags stored entries with the run they belong to.
func WithRunID(runID string) Option {
	return func(l *Ledger) { l.runID = runID }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[uint64]*Entry),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NextID allocates a fresh ID. It never fails and never hands out the same ID twice,
// even when the call that requested it later fails.
func (l *Ledger) NextID(stage Stage, blockID string) ID {
	if stage == "" {
		stage = StageResearch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := ID{Seq: l.seq, Stage: stage}
	l.entries[id.Seq] = &Entry{
		ID:       id,
		Stage:    stage,
		BlockID:  blockID,
		IssuedAt: l.now(),
	}
	return id
}

// Restore loads entries issued by an earlier process of the same run and moves the
// counter past them. Entries already present are kept; nothing is forwarded to the
// store. It returns the number of entries added.
func (l *Ledger) Restore(entries []Entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, e := range entries {
		if e.ID.IsZero() {
			continue
		}
		if _, ok := l.entries[e.ID.Seq]; ok {
			continue
		}
		if e.Stage == "" {
			e.Stage = e.ID.Stage
		}
		entry := e
		l.entries[e.ID.Seq] = &entry
		added++
		if e.ID.Seq > l.seq {
			l.seq = e.ID.Seq
		}
	}
	return added
}

// Reserve marks every sequence number up to seq as used, so the next ID is at
// least seq+1.
func (l *Ledger) Reserve(seq uint64) {
	l.mu.Lock()
	if seq > l.seq {
		l.seq = seq
	}
	l.mu.Unlock()
}

// Record attaches provenance to an issued ID. Storage failures are returned so the
// caller can log them; the in-memory entry is kept either way.
func (l *Ledger) Record(ctx context.Context, id ID, rec Record) error {
	l.mu.Lock()
	entry, ok := l.entries[id.Seq]
	if !ok || id.IsZero() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	entry.ToolType = rec.ToolType
	entry.Query = rec.Query
	entry.RawAnswer = rec.RawAnswer
	entry.Summary = rec.Summary
	entry.RecordedAt = l.now()
	snapshot := *entry
	st := l.store
	runID := l.runID
	l.mu.Unlock()

	l.log.Debug().Str("citation_id", id.String()).Str("tool_type", rec.ToolType).Msg("citation recorded")
	if st == nil {
		return nil
	}
	if err := st.SaveCitation(ctx, runID, snapshot); err != nil {
		return fmt.Errorf("persist citation %s: %w", id, err)
	}
	return nil
}

// Get returns a copy of the entry for id.
func (l *Ledger) Get(id ID) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id.Seq]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns all entries ordered by issue order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// ForBlock returns the entries issued for one topic block.
func (l *Ledger) ForBlock(blockID string) []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.BlockID == blockID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of issued IDs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
