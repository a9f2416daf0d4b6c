// Package store persists research runs: citations and queue snapshots in Postgres,
// queue snapshots in Redis.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/researcher/internal/queue"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Store is the Postgres persistence layer.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres database.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// Run is one research run.
type Run struct {
	RunID        string
	Question     string
	PrimaryTopic string
	Mode         string
	Status       string
	Stats        queue.Stats
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO research_runs (run_id, question, primary_topic, mode, status, started_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  question      = EXCLUDED.question,
  primary_topic = EXCLUDED.primary_topic,
  mode          = EXCLUDED.mode,
  status        = EXCLUDED.status;
`, run.RunID, run.Question, run.PrimaryTopic, run.Mode, RunStatusRunning)
	return err
}

// FinishRun stores the final statistics and status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, stats queue.Stats, runErr error) error {
	statsBytes, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_runs SET status = $2, stats = $3, error = $4, finished_at = NOW()
WHERE run_id = $1`, runID, status, statsBytes, msg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun loads a run. The bool reports whether it exists.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	var (
		run        Run
		statsBytes []byte
		finished   sql.NullTime
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, question, primary_topic, mode, status, stats, error, started_at, finished_at
FROM research_runs
WHERE run_id = $1`, runID)
	if err := row.Scan(&run.RunID, &run.Question, &run.PrimaryTopic, &run.Mode, &run.Status, &statsBytes, &run.Error, &run.StartedAt, &finished); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	if len(statsBytes) > 0 {
		if err := json.Unmarshal(statsBytes, &run.Stats); err != nil {
			return Run{}, false, fmt.Errorf("decode run stats: %w", err)
		}
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, true, nil
}
