package citation

import (
	"strings"
	"testing"
	"time"
)

func TestFormatRendersSummaryAndQuery(t *testing.T) {
	e := Entry{
		ID:         ID{Seq: 3, Stage: StageResearch},
		ToolType:   "web_search",
		Query:      "grid storage costs",
		Summary:    "Lithium   prices fell\n in 2024.",
		RecordedAt: time.Now(),
	}
	got := Format(e)
	want := `[CIT-0003] web_search — "Lithium prices fell in 2024." <grid storage costs>`
	if got != want {
		t.Fatalf("unexpected format:\n got %s\nwant %s", got, want)
	}
}

func TestFormatTruncatesLongSummary(t *testing.T) {
	e := Entry{ID: ID{Seq: 1, Stage: StagePlanning}, Summary: strings.Repeat("a", 50)}
	got := Format(e, WithMaxSummaryLength(10), WithoutQuery())
	if !strings.Contains(got, `"aaaaaaaaaa…"`) {
		t.Fatalf("expected truncated summary, got %s", got)
	}
	if !strings.HasPrefix(got, "[PLAN-0001]") {
		t.Fatalf("expected planning prefix, got %s", got)
	}
}

func TestFormatAllSkipsUnrecorded(t *testing.T) {
	entries := []Entry{
		{ID: ID{Seq: 1, Stage: StageResearch}},
		{ID: ID{Seq: 2, Stage: StageResearch}, Summary: "x", RecordedAt: time.Now()},
	}
	lines := FormatAll(entries)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
}
