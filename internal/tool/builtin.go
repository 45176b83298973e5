package tool

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Clock reports the current UTC time.
func Clock() Tool {
	return Tool{
		ID:           "clock",
		Description:  "Current UTC time.",
		InputSchema:  Schema{},
		OutputSchema: Schema{"iso": "required", "unix": "required"},
		RedactFields: []string{"iso", "unix"},
		Run: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			now := time.Now().UTC()
			return map[string]any{
				"iso":  now.Format(time.RFC3339),
				"unix": now.Unix(),
			}, nil
		},
	}
}

// TextStats summarizes a draft. The raw text is part of the declared
// output but not of the redaction allowlist, so it never leaves the
// tool boundary.
func TextStats() Tool {
	return Tool{
		ID:           "text_stats",
		Description:  "Word and character counts for a text.",
		InputSchema:  Schema{"text": "required"},
		OutputSchema: Schema{"text": "required", "words": "min=0", "characters": "min=0"},
		RedactFields: []string{"words", "characters"},
		Run: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			text, _ := input["text"].(string)
			return map[string]any{
				"text":       text,
				"words":      len(strings.Fields(text)),
				"characters": utf8.RuneCountInString(text),
			}, nil
		},
	}
}

// Builtins returns a registry preloaded with the built-in tools.
func Builtins() *Registry {
	reg := NewRegistry()
	for _, t := range []Tool{Clock(), TextStats()} {
		if err := reg.Register(t); err != nil {
			panic(err)
		}
	}
	return reg
}
