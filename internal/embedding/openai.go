package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEmbedder calls any OpenAI-compatible embeddings endpoint (OpenAI,
// Ollama, vLLM, LocalAI) through langchaingo.
type OpenAIEmbedder struct {
	baseURL    string
	token      string
	model      string
	dimensions int

	initOnce sync.Once
	initErr  error
	embedder embeddings.Embedder
	cache    *Cache
}

// NewOpenAIEmbedder creates the embedder handle. token may be empty for
// local services that do not require authentication. No network I/O happens
// until Initialize.
func NewOpenAIEmbedder(baseURL, token, model string, dimensions, cacheSize int) *OpenAIEmbedder {
	if token == "" {
		token = "none"
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &OpenAIEmbedder{
		baseURL:    baseURL,
		token:      token,
		model:      model,
		dimensions: dimensions,
		cache:      NewCache(cacheSize),
	}
}

// Initialize constructs the client. Amortized: subsequent calls are no-ops
// and return the first result.
func (e *OpenAIEmbedder) Initialize(ctx context.Context) error {
	e.initOnce.Do(func() {
		client, err := openai.New(
			openai.WithBaseURL(e.baseURL),
			openai.WithToken(e.token),
			openai.WithEmbeddingModel(e.model),
		)
		if err != nil {
			e.initErr = fmt.Errorf("create embeddings client: %w", err)
			return
		}
		embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
		if err != nil {
			e.initErr = fmt.Errorf("wrap embeddings client: %w", err)
			return
		}
		e.embedder = embedder
	})
	return e.initErr
}

// Embed returns the embedding for one text, via the cache when possible.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts, consulting the cache first and requesting only
// the misses from the service.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("embedder not initialized")
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if emb, ok := e.cache.Get(text); ok {
			out[i] = emb
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	embedded, err := e.embedder.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(missTexts), err)
	}
	if len(embedded) != len(missTexts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(embedded), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = embedded[j]
		e.cache.Set(texts[i], embedded[j])
	}
	return out, nil
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op; the underlying HTTP client needs no teardown.
func (e *OpenAIEmbedder) Close() error { return nil }
