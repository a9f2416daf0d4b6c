package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const decomposerSystem = "You break research questions into focused, non-overlapping subtopics. Reply with a single JSON object."

// Subtopic is one block of the initial decomposition.
type Subtopic struct {
	Topic    string `json:"sub_topic"`
	Overview string `json:"overview"`
}

// Decomposition is the planning-stage output for a run.
type Decomposition struct {
	PrimaryTopic string     `json:"primary_topic"`
	Subtopics    []Subtopic `json:"sub_topics"`
}

// Decomposer splits a research question into subtopics.
type Decomposer struct {
	Provider Provider
}

// Decompose asks for at most n subtopics. Blank and repeated titles are dropped.
func (d Decomposer) Decompose(ctx context.Context, question string, n int) (Decomposition, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Decomposition{}, errors.New("research question is empty")
	}
	if n <= 0 {
		n = 5
	}
	prompt := fmt.Sprintf(`Research question: %s

Rewrite the question as a precise primary topic, then list up to %d subtopics that together cover it.
Respond with JSON:
{"primary_topic": string, "sub_topics": [{"sub_topic": string, "overview": string}]}`, question, n)

	resp, err := d.Provider.Complete(ctx, decomposerSystem, prompt)
	if err != nil {
		return Decomposition{}, err
	}
	var raw Decomposition
	if err := decode(resp, &raw); err != nil {
		return Decomposition{}, fmt.Errorf("parse decomposition: %w", err)
	}

	out := Decomposition{PrimaryTopic: strings.TrimSpace(raw.PrimaryTopic)}
	if out.PrimaryTopic == "" {
		out.PrimaryTopic = question
	}
	seen := make(map[string]bool)
	for _, st := range raw.Subtopics {
		title := strings.TrimSpace(st.Topic)
		key := strings.ToLower(strings.Join(strings.Fields(title), " "))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out.Subtopics = append(out.Subtopics, Subtopic{Topic: title, Overview: strings.TrimSpace(st.Overview)})
		if len(out.Subtopics) == n {
			break
		}
	}
	if len(out.Subtopics) == 0 {
		out.Subtopics = []Subtopic{{Topic: out.PrimaryTopic}}
	}
	return out, nil
}
