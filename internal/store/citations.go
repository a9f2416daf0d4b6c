package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/citation"
)

// SaveCitation implements citation.Store.
func (s *Store) SaveCitation(ctx context.Context, runID string, e citation.Entry) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.ID.IsZero() {
		return fmt.Errorf("citation id is required")
	}
	var recorded sql.NullTime
	if !e.RecordedAt.IsZero() {
		recorded = sql.NullTime{Time: e.RecordedAt, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO citations (run_id, seq, citation_id, stage, block_id, tool_type, query, raw_answer, summary, issued_at, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (run_id, seq) DO UPDATE SET
  tool_type   = EXCLUDED.tool_type,
  query       = EXCLUDED.query,
  raw_answer  = EXCLUDED.raw_answer,
  summary     = EXCLUDED.summary,
  recorded_at = EXCLUDED.recorded_at;
`, runID, int64(e.ID.Seq), e.ID.String(), string(e.Stage), e.BlockID, e.ToolType, e.Query, e.RawAnswer, e.Summary, e.IssuedAt, recorded)
	return err
}

// ListCitations returns a run's citations in issue order.
func (s *Store) ListCitations(ctx context.Context, runID string) ([]citation.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT citation_id, block_id, tool_type, query, raw_answer, summary, issued_at, recorded_at
FROM citations
WHERE run_id = $1
ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []citation.Entry
	for rows.Next() {
		var (
			e        citation.Entry
			rawID    string
			issued   time.Time
			recorded sql.NullTime
		)
		if err := rows.Scan(&rawID, &e.BlockID, &e.ToolType, &e.Query, &e.RawAnswer, &e.Summary, &issued, &recorded); err != nil {
			return nil, err
		}
		id, err := citation.ParseID(rawID)
		if err != nil {
			return nil, fmt.Errorf("citation row %q: %w", rawID, err)
		}
		e.ID = id
		e.Stage = id.Stage
		e.IssuedAt = issued
		if recorded.Valid {
			e.RecordedAt = recorded.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ citation.Store = (*Store)(nil)
