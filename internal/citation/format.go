package citation

import (
	"strings"
)

type formatConfig struct {
	maxSummary int
	withQuery  bool
}

// FormatOption configures Format.
type FormatOption func(*formatConfig)

// WithMaxSummaryLength truncates summaries to n bytes (default 180).
func WithMaxSummaryLength(n int) FormatOption {
	return func(cfg *formatConfig) {
		if n > 0 {
			cfg.maxSummary = n
		}
	}
}

// WithoutQuery omits the query from the rendered line.
func WithoutQuery() FormatOption {
	return func(cfg *formatConfig) { cfg.withQuery = false }
}

// Format renders one entry as a reference line:
// [CIT-0003] web_search — "Summary text" <query>
func Format(e Entry, opts ...FormatOption) string {
	cfg := formatConfig{maxSummary: 180, withQuery: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	label := e.ID.String()
	if label == "" {
		label = "citation"
	}
	parts := []string{"[" + label + "]"}
	if tool := strings.TrimSpace(e.ToolType); tool != "" {
		parts = append(parts, tool)
	}
	if summary := quoteSnippet(e.Summary, cfg.maxSummary); summary != "" {
		parts = append(parts, "— "+summary)
	}
	if q := strings.TrimSpace(e.Query); cfg.withQuery && q != "" {
		parts = append(parts, "<"+q+">")
	}
	return strings.Join(parts, " ")
}

// FormatAll renders every recorded entry, skipping IDs that never received provenance.
func FormatAll(entries []Entry, opts ...FormatOption) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Recorded() {
			continue
		}
		out = append(out, Format(e, opts...))
	}
	return out
}

func quoteSnippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if limit > 0 && len(s) > limit {
		s = strings.TrimSpace(s[:limit]) + "…"
	}
	return `"` + s + `"`
}
