// Package embedding provides vector embedding of chunk text via an
// OpenAI-compatible service, with an LRU cache and a deterministic mock.
package embedding

import "context"

// Embedder produces vector embeddings for text. Initialize performs the
// one-time amortized setup (client construction, model warm-up) and must be
// called once per process before Embed.
type Embedder interface {
	Initialize(ctx context.Context) error
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
