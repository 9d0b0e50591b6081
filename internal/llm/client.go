// Package llm provides a uniform chat contract over several LLM providers
// and derives the runtime's typed artefacts (plan, step command, error
// analysis, command review) from it. Provider selection is per role.
package llm

import (
	"context"

	"github.com/openjules/openjules/model"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune a single completion request.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
	JSONMode    bool
}

// Response is the normalized result of one completion.
type Response struct {
	Content  string
	Usage    model.TokenCounts
	Model    string
	Provider string
}

// Client is the uniform provider contract.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (Response, error)
}

const defaultMaxTokens = 4096

func systemAndUser(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
