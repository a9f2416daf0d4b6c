package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/mohammad-safakhou/researcher/internal/citation"
	"github.com/mohammad-safakhou/researcher/internal/queue"
)

func TestSaveCitation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	entry := citation.Entry{
		ID:         citation.ID{Seq: 7, Stage: citation.StageResearch},
		Stage:      citation.StageResearch,
		BlockID:    "block_2",
		ToolType:   "web_search",
		Query:      "vanadium prices",
		RawAnswer:  "raw",
		Summary:    "summary",
		IssuedAt:   time.Now(),
		RecordedAt: time.Now(),
	}

	query := regexp.QuoteMeta(`
INSERT INTO citations (run_id, seq, citation_id, stage, block_id, tool_type, query, raw_answer, summary, issued_at, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (run_id, seq) DO UPDATE SET
  tool_type   = EXCLUDED.tool_type,
  query       = EXCLUDED.query,
  raw_answer  = EXCLUDED.raw_answer,
  summary     = EXCLUDED.summary,
  recorded_at = EXCLUDED.recorded_at;
`)
	mock.ExpectExec(query).
		WithArgs("run-1", int64(7), "CIT-0007", "research", "block_2", "web_search", "vanadium prices", "raw", "summary", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveCitation(context.Background(), "run-1", entry); err != nil {
		t.Fatalf("SaveCitation: %v", err)
	}
	if err := st.SaveCitation(context.Background(), "", entry); err == nil {
		t.Fatalf("expected run_id validation error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLedgerForwardsToStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	ledger := citation.NewLedger(citation.WithStore(&Store{DB: db}), citation.WithRunID("run-9"))
	id := ledger.NextID(citation.StagePlanning, "")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO citations`)).
		WithArgs("run-9", int64(1), "PLAN-0001", "planning", "", "decompose", "q", "raw", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = ledger.Record(context.Background(), id, citation.Record{ToolType: "decompose", Query: "q", RawAnswer: "raw"})
	if err == nil {
		t.Fatalf("expected store error to surface")
	}
	if e, ok := ledger.Get(id); !ok || !e.Recorded() {
		t.Fatalf("entry should be kept in memory despite store failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListCitations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"citation_id", "block_id", "tool_type", "query", "raw_answer", "summary", "issued_at", "recorded_at"}).
		AddRow("PLAN-0001", "", "decompose", "q", "raw", "", now, now).
		AddRow("CIT-0002", "block_1", "web_search", "q2", "raw2", "sum2", now, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM citations`)).WithArgs("run-1").WillReturnRows(rows)

	got, err := st.ListCitations(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListCitations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(got))
	}
	if got[0].ID.String() != "PLAN-0001" || got[0].Stage != citation.StagePlanning {
		t.Fatalf("unexpected first citation %+v", got[0])
	}
	if got[1].BlockID != "block_1" || got[1].Recorded() {
		t.Fatalf("unexpected second citation %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_runs`)).
		WithArgs("run-1", "question", "primary", "parallel", RunStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_runs SET status = $2`)).
		WithArgs("run-1", RunStatusCompleted, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_runs SET status = $2`)).
		WithArgs("missing", RunStatusFailed, sqlmock.AnyArg(), "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := st.StartRun(ctx, Run{RunID: "run-1", Question: "question", PrimaryTopic: "primary", Mode: "parallel"}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := st.FinishRun(ctx, "run-1", RunStatusCompleted, queue.Stats{Total: 2, Completed: 2}, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := st.FinishRun(ctx, "missing", RunStatusFailed, queue.Stats{}, errors.New("boom")); err == nil {
		t.Fatalf("expected not found error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	now := time.Now()
	cols := []string{"run_id", "question", "primary_topic", "mode", "status", "stats", "error", "started_at", "finished_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_runs`)).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("run-1", "q", "p", "sequential", "completed", []byte(`{"total":3,"failed":1}`), "", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_runs`)).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	run, ok, err := st.GetRun(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if run.Stats.Total != 3 || run.Stats.Failed != 1 || run.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", run)
	}
	if _, ok, err := st.GetRun(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("expected missing run, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueueSnapshotsPersistAndLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	snaps := (&Store{DB: db}).QueueSnapshots("run-1")

	mock.ExpectExec(regexp.QuoteMeta(`WHERE queue_snapshots.version < EXCLUDED.version`)).
		WithArgs("run-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := queue.New(queue.WithPersister(snaps))
	if _, err := q.Add("topic", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT state FROM queue_snapshots`)).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{"version":4,"blocks":[{"block_id":"block_1","sub_topic":"topic","status":"completed"}]}`)))
	st, ok, err := snaps.LoadQueue(context.Background())
	if err != nil || !ok {
		t.Fatalf("LoadQueue: ok=%v err=%v", ok, err)
	}
	if st.Version != 4 || len(st.Blocks) != 1 || st.Blocks[0].Status != queue.StatusCompleted {
		t.Fatalf("unexpected state %+v", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
