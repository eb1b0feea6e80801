// Package embed wraps the embedding providers behind a fallback chain.
// Providers are plain-HTTP clients (Ollama, OpenAI) plus a deterministic
// local provider used for tests and as a last-resort fallback. Selection is
// driven by EMBEDDING_PROVIDER: ollama, openai, local, or auto (ollama then
// openai).
package embed

import "context"

// Embedder produces fixed-dimension embeddings for a batch of texts.
// Implementations must return exactly one vector per input text, in order.
type Embedder interface {
	// Embed embeds every text in the batch with a single provider request
	// where the backend supports multi-input payloads.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the provider in logs and aggregated errors.
	Name() string
}
