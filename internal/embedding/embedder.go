// Package embedding provides text embedding providers, caching and retries.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbeddingUnavailable is returned when the embedding backend cannot produce vectors.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelID identifies the model; vectors from different model IDs are not comparable.
	ModelID() string
	Close() error
}

// EmbedAll embeds texts in batches of at most batchSize and checks the vector count of each batch.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vecs, err := e.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrEmbeddingUnavailable, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedEach implements EmbedBatch on top of Embed.
func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
