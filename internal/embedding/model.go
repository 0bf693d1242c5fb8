// Package embedding provides the remote embedding Provider client (the
// provider leg) and the embedding queue that coalesces, dedupes and
// paces calls to it.
package embedding

import "context"

// Provider is the verb set the queue's processor loop needs from a remote
// embedding API. Only one provider kind is in scope (an OpenAI-compatible
// REST endpoint); see openai.go.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	// inputType distinguishes "document" (ingest) from "query" (search)
	// for providers that tune embeddings by usage.
	Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error)
	// Dimensions returns the provider's configured vector width.
	Dimensions() int
}
