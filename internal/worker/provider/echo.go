package provider

import (
	"context"
	"strings"
)

// Echo answers with the last user message. It needs no network access.
type Echo struct {
	model string
}

// NewEcho creates an echo provider.
func NewEcho(cfg Config) *Echo {
	model := cfg.Model
	if model == "" {
		model = "echo"
	}
	return &Echo{model: model}
}

// Name returns "echo".
func (e *Echo) Name() string { return NameEcho }

// Model returns the configured model label.
func (e *Echo) Model() string { return e.model }

// Chat returns the most recent user message. Token counts are word counts.
func (e *Echo) Chat(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var prompt int
	var last string
	for _, m := range withSystem(req) {
		prompt += len(strings.Fields(m.Content))
		if m.Role == "user" {
			last = m.Content
		}
	}
	completion := len(strings.Fields(last))

	return &Completion{
		Content: last,
		Model:   e.model,
		Tokens: Tokens{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		FinishReason: "stop",
	}, nil
}
