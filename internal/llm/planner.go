package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research"
)

const plannerSystem = "You plan the next retrieval step for a research topic. Reply with a single JSON object."

// Planner implements research.QueryPlanner.
type Planner struct {
	Provider Provider
}

type planJSON struct {
	Query     string `json:"query"`
	ToolType  string `json:"tool_type"`
	Rationale string `json:"rationale"`
	NewTopic  *struct {
		Title      string    `json:"title"`
		Overview   string    `json:"overview"`
		Confidence flexFloat `json:"confidence"`
		Recommend  flexBool  `json:"recommend"`
	} `json:"new_topic"`
}

// Plan asks the model for the next query and an optional sibling topic.
func (p Planner) Plan(ctx context.Context, in research.PlanInput) (research.Plan, error) {
	var b strings.Builder
	writeContext(&b, in.JudgeInput)
	if len(in.Missing) > 0 {
		fmt.Fprintf(&b, "\nMissing aspects: %s\n", strings.Join(in.Missing, "; "))
	}
	if len(in.AvailableTools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(in.AvailableTools, ", "))
	}
	b.WriteString(`
Do not repeat a query from the tool history. If the notes reveal a distinct topic that
deserves its own research, describe it in new_topic; otherwise set new_topic to null.
Respond with JSON:
{"query": string, "tool_type": string, "rationale": string,
 "new_topic": {"title": string, "overview": string, "confidence": number, "recommend": bool} | null}`)

	resp, err := p.Provider.Complete(ctx, plannerSystem, b.String())
	if err != nil {
		return research.Plan{}, err
	}
	var raw planJSON
	if err := decode(resp, &raw); err != nil {
		return research.Plan{}, fmt.Errorf("parse plan: %w", err)
	}

	plan := research.Plan{
		Query:     strings.TrimSpace(raw.Query),
		ToolType:  strings.ToLower(strings.TrimSpace(raw.ToolType)),
		Rationale: strings.TrimSpace(raw.Rationale),
	}
	if plan.ToolType != "" && len(in.AvailableTools) > 0 && !contains(in.AvailableTools, plan.ToolType) {
		plan.ToolType = ""
	}
	if nt := raw.NewTopic; nt != nil && strings.TrimSpace(nt.Title) != "" {
		plan.NewTopic = &research.TopicProposal{
			Title:      strings.TrimSpace(nt.Title),
			Overview:   strings.TrimSpace(nt.Overview),
			Confidence: clamp01(float64(nt.Confidence)),
			Recommend:  bool(nt.Recommend),
		}
	}
	return plan, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
