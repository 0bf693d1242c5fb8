// Package llm provides the LLM provider client used by the query router's
// fallback branch, decomposition, and LLM-generated SQL.
package llm

import "context"

// Message is one turn in a chat-completions request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the narrow verb set the rest of the system needs from an
// LLM. Tests substitute an in-memory implementation.
type Provider interface {
	// Complete issues a single chat-completions call and returns the
	// first choice's message content.
	Complete(ctx context.Context, messages []Message) (string, error)
}
