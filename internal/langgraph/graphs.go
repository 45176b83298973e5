package langgraph

import (
	"context"
	"fmt"

	"github.com/cognihq/graphcore/internal/run"
)

const (
	poetPrompt = "You are a poet. Answer the user with a short poem."

	researcherDraftPrompt = "You are a research assistant. Draft concise notes that answer the user's question."
	researcherFinalPrompt = "Rewrite the draft notes into a clear final answer for the user."
)

// poetGraph is the minimal graph: one completion unit.
func poetGraph(ctx context.Context, rt *Runtime) (string, error) {
	return rt.Complete(ctx, withSystem(poetPrompt, rt.Request().Messages), "")
}

// researcherGraph exercises multi-step orchestration: a drafting
// completion, a tool pass over the draft, and a final completion.
func researcherGraph(ctx context.Context, rt *Runtime) (string, error) {
	draft, err := rt.Complete(ctx, withSystem(researcherDraftPrompt, rt.Request().Messages), "")
	if err != nil {
		return draft, err
	}

	stats, err := rt.Tool(ctx, "text_stats", map[string]any{"text": draft})
	if err != nil {
		return "", err
	}

	followup := withSystem(researcherFinalPrompt, rt.Request().Messages)
	followup = append(followup,
		run.Message{Role: "assistant", Content: draft},
		run.Message{Role: "user", Content: fmt.Sprintf("Draft stats: %s. Write the final answer.", stats)},
	)
	return rt.Complete(ctx, followup, "")
}

func withSystem(prompt string, messages []run.Message) []run.Message {
	out := make([]run.Message, 0, len(messages)+1)
	out = append(out, run.Message{Role: "system", Content: prompt})
	return append(out, messages...)
}
