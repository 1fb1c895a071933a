package redis

import (
	"context"
	"fmt"

	"github.com/dh-agent/backend/internal/metrics"
)

type embeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type batchProvider interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder decorates an embedding provider with the cache. It
// satisfies the same interface, so callers cannot tell it apart from the
// provider.
type CachedEmbedder struct {
	cache    *Client
	provider embeddingProvider
}

func NewCachedEmbedder(cache *Client, provider embeddingProvider) *CachedEmbedder {
	return &CachedEmbedder{cache: cache, provider: provider}
}

func (e *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if embedding, ok := e.cache.GetEmbedding(ctx, text); ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return embedding, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err := e.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.SetEmbedding(ctx, text, embedding)

	return embedding, nil
}

// GenerateBatchEmbeddings serves cached vectors and forwards only the misses
// to the provider, in one call when the provider supports batching.
func (e *CachedEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if embedding, ok := e.cache.GetEmbedding(ctx, text); ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = embedding
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	if bp, ok := e.provider.(batchProvider); ok {
		embeddings, err := bp.GenerateBatchEmbeddings(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(embeddings) != len(missTexts) {
			return nil, fmt.Errorf("embedding count mismatch: %d for %d texts", len(embeddings), len(missTexts))
		}
		for j, embedding := range embeddings {
			e.cache.SetEmbedding(ctx, missTexts[j], embedding)
			out[missIdx[j]] = embedding
		}
		return out, nil
	}

	for j, text := range missTexts {
		embedding, err := e.provider.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.SetEmbedding(ctx, text, embedding)
		out[missIdx[j]] = embedding
	}
	return out, nil
}
