package budget

import (
	"fmt"
	"sync"
	"time"
)

// Usage is what a run has consumed so far.
type Usage struct {
	ToolCalls int64         `json:"tool_calls"`
	Blocks    int64         `json:"blocks"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Monitor tracks usage against configured limits. The scheduler consults it before
// every claim.
type Monitor struct {
	config    Config
	toolCalls int64
	blocks    int64
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewMonitor clones the provided config and starts the clock.
func NewMonitor(cfg Config) *Monitor {
	return newMonitorAt(cfg, time.Now)
}

func newMonitorAt(cfg Config, now func() time.Time) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: now(),
		now:       now,
	}
}

// AddToolCalls records finished tool calls.
func (m *Monitor) AddToolCalls(n int64) {
	m.mu.Lock()
	m.toolCalls += n
	m.mu.Unlock()
}

// AddBlock records a claimed block.
func (m *Monitor) AddBlock() {
	m.mu.Lock()
	m.blocks++
	m.mu.Unlock()
}

func (m *Monitor) checkTimeLocked() error {
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  KindTime,
			Usage: elapsed.Round(time.Millisecond).String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Check verifies every limit. It is called before claiming the next block, so the
// block limit is reached once the configured number has been claimed.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTimeLocked(); err != nil {
		return err
	}
	if m.config.MaxToolCalls != nil && *m.config.MaxToolCalls > 0 && m.toolCalls >= *m.config.MaxToolCalls {
		return ErrExceeded{
			Kind:  KindToolCalls,
			Usage: fmt.Sprintf("%d calls", m.toolCalls),
			Limit: fmt.Sprintf("%d calls", *m.config.MaxToolCalls),
		}
	}
	if m.config.MaxBlocks != nil && *m.config.MaxBlocks > 0 && m.blocks >= *m.config.MaxBlocks {
		return ErrExceeded{
			Kind:  KindBlocks,
			Usage: fmt.Sprintf("%d blocks", m.blocks),
			Limit: fmt.Sprintf("%d blocks", *m.config.MaxBlocks),
		}
	}
	return nil
}

// Usage returns the accumulated counters.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{ToolCalls: m.toolCalls, Blocks: m.blocks, Elapsed: m.now().Sub(m.startTime)}
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
