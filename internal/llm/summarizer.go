package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research"
)

const summarizerSystem = "You condense retrieved material into short factual research notes."

const maxRawChars = 16000

// Summarizer implements research.Summarizer.
type Summarizer struct {
	Provider Provider
}

// Summarize returns a short note. It does not parse JSON; the reply is the note.
func (s Summarizer) Summarize(ctx context.Context, in research.SummaryInput) (string, error) {
	raw := in.RawAnswer
	if len(raw) > maxRawChars {
		raw = raw[:maxRawChars]
	}
	prompt := fmt.Sprintf(`Topic: %s
Query (%s): %s

Retrieved material:
%s

Write at most five sentences of facts relevant to the topic. Keep numbers, names and dates.
Do not add information that is not in the material.`, in.Topic, in.ToolType, in.Query, raw)

	resp, err := s.Provider.Complete(ctx, summarizerSystem, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
