package llm

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research"
)

const maxKnowledgeChars = 12000

func writeContext(b *strings.Builder, in research.JudgeInput) {
	if in.PrimaryTopic != "" {
		fmt.Fprintf(b, "Primary research question: %s\n", in.PrimaryTopic)
	}
	fmt.Fprintf(b, "Topic: %s\n", in.Topic)
	if in.Overview != "" {
		fmt.Fprintf(b, "Overview: %s\n", in.Overview)
	}
	fmt.Fprintf(b, "Iteration: %d of %d\n", in.Iteration+1, in.MaxIterations)
	if len(in.History) == 0 {
		b.WriteString("Tool history: none\n")
	} else {
		b.WriteString("Tool history:\n")
		for _, h := range in.History {
			status := "ok"
			if h.Failed {
				status = "failed"
			}
			fmt.Fprintf(b, "- %s %q (%s)\n", h.ToolType, h.Query, status)
		}
	}
	knowledge := strings.TrimSpace(in.Knowledge)
	if knowledge == "" {
		knowledge = "(nothing gathered yet)"
	}
	if len(knowledge) > maxKnowledgeChars {
		knowledge = "..." + knowledge[len(knowledge)-maxKnowledgeChars:]
	}
	fmt.Fprintf(b, "\nKnowledge so far:\n%s\n", knowledge)
}
