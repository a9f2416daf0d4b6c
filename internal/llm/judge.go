package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research"
)

const judgeSystem = "You assess whether research notes adequately cover a topic. Reply with a single JSON object."

// Judge implements research.SufficiencyJudge.
type Judge struct {
	Provider Provider
}

type verdictJSON struct {
	Sufficient     flexBool  `json:"is_sufficient"`
	Confidence     flexFloat `json:"confidence"`
	Reason         string    `json:"reason"`
	MissingAspects []string  `json:"missing_aspects"`
}

// Judge asks the model for a verdict. Unparseable output yields an error and the
// zero Verdict, which callers treat as insufficient.
func (j Judge) Judge(ctx context.Context, in research.JudgeInput) (research.Verdict, error) {
	var b strings.Builder
	writeContext(&b, in)
	if in.Guidance != "" {
		fmt.Fprintf(&b, "\nPolicy: %s\n", in.Guidance)
	}
	b.WriteString(`
Respond with JSON:
{"is_sufficient": bool, "confidence": number between 0 and 1, "reason": string, "missing_aspects": [string]}`)

	resp, err := j.Provider.Complete(ctx, judgeSystem, b.String())
	if err != nil {
		return research.Verdict{}, err
	}
	var v verdictJSON
	if err := decode(resp, &v); err != nil {
		return research.Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	return research.Verdict{
		Sufficient:     bool(v.Sufficient),
		Confidence:     clamp01(float64(v.Confidence)),
		Reason:         strings.TrimSpace(v.Reason),
		MissingAspects: v.MissingAspects,
	}, nil
}
