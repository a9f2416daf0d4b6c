package research

import (
	"fmt"
	"strings"
)

// Policy turns a judge verdict into a stop decision and tells the judge how strict to be.
type Policy interface {
	Name() string
	Guidance() string
	Decide(v Verdict, in JudgeInput) bool
}

// ConservativeMinConfidence is the confidence a conservative stop needs.
const ConservativeMinConfidence = 0.8

// Conservative stops only on a confident verdict in the last iterations of the budget.
type Conservative struct{}

func (Conservative) Name() string { return "conservative" }

func (Conservative) Guidance() string {
	return "Be strict. Declare the knowledge sufficient only if every aspect of the topic " +
		"and overview is covered with concrete, sourced facts. Early iterations are expected " +
		"to be insufficient; prefer continuing the research."
}

func (Conservative) Decide(v Verdict, in JudgeInput) bool {
	if !v.Sufficient || strings.TrimSpace(in.Knowledge) == "" {
		return false
	}
	return v.Confidence >= ConservativeMinConfidence && in.Iteration >= in.MaxIterations-1
}

// Flexible accepts a positive verdict as soon as some knowledge has been gathered.
type Flexible struct{}

func (Flexible) Name() string { return "flexible" }

func (Flexible) Guidance() string {
	return "Declare the knowledge sufficient once the core aspects of the topic are covered; " +
		"minor gaps do not require another search."
}

func (Flexible) Decide(v Verdict, in JudgeInput) bool {
	return v.Sufficient && in.Iteration >= 1 && strings.TrimSpace(in.Knowledge) != ""
}

// PolicyFor selects a policy by configuration name. "fixed" is an alias of conservative.
func PolicyFor(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed", "conservative":
		return Conservative{}, nil
	case "flexible":
		return Flexible{}, nil
	default:
		return nil, fmt.Errorf("unknown sufficiency policy %q", name)
	}
}
