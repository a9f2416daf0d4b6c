package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/researcher/internal/queue"
)

// QueueSnapshots adapts the Postgres store to queue.Persister and queue.Loader for
// one run.
type QueueSnapshots struct {
	store *Store
	runID string
}

// QueueSnapshots returns the snapshot persister for runID.
func (s *Store) QueueSnapshots(runID string) *QueueSnapshots {
	return &QueueSnapshots{store: s, runID: runID}
}

// SaveQueue implements queue.Persister. Older versions never overwrite newer ones.
func (p *QueueSnapshots) SaveQueue(ctx context.Context, state queue.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	_, err = p.store.DB.ExecContext(ctx, `
INSERT INTO queue_snapshots (run_id, version, state, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  version    = EXCLUDED.version,
  state      = EXCLUDED.state,
  updated_at = NOW()
WHERE queue_snapshots.version < EXCLUDED.version;
`, p.runID, int64(state.Version), data)
	return err
}

// LoadQueue implements queue.Loader.
func (p *QueueSnapshots) LoadQueue(ctx context.Context) (queue.State, bool, error) {
	var data []byte
	row := p.store.DB.QueryRowContext(ctx, `SELECT state FROM queue_snapshots WHERE run_id = $1`, p.runID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return queue.State{}, false, nil
		}
		return queue.State{}, false, err
	}
	var st queue.State
	if err := json.Unmarshal(data, &st); err != nil {
		return queue.State{}, false, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return st, true, nil
}

var (
	_ queue.Persister = (*QueueSnapshots)(nil)
	_ queue.Loader    = (*QueueSnapshots)(nil)
)
