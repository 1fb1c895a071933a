package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/vector/milvus"
	"github.com/dh-agent/backend/pkg/logger"
	"github.com/dh-agent/backend/pkg/retry"
)

// Embedder turns text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is the optional bulk surface of an embedder. Reindexing
// prefers it over one call per node.
type BatchEmbedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the vector client retrieval needs.
type VectorStore interface {
	Upsert(ctx context.Context, vectors []milvus.KnowledgeVector) error
	Search(ctx context.Context, ownerID string, queryEmbedding []float32, topK int) ([]milvus.SearchHit, error)
	Delete(ctx context.Context, knowledgeIDs []string) error
}

// Indexer owns the write side of the vector mirror. A failed index is logged
// and retried a bounded number of times; the graph remains authoritative
// either way.
type Indexer struct {
	embedder    Embedder
	vectors     VectorStore
	retryConfig retry.Config
}

func NewIndexer(embedder Embedder, vectors VectorStore) *Indexer {
	return &Indexer{
		embedder: embedder,
		vectors:  vectors,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   300 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (ix *Indexer) Index(ctx context.Context, node *knowledge.KnowledgeNode) error {
	embedding, err := ix.embedder.GenerateEmbedding(ctx, node.Content)
	if err != nil {
		return err
	}

	vector := milvus.KnowledgeVector{
		KnowledgeID: node.ID,
		Embedding:   embedding,
		OwnerID:     node.OwnerID,
		Category:    string(node.Category),
		Summary:     node.Summary,
		LearnedAt:   node.LearnedAt,
	}

	return retry.Do(ctx, ix.retryConfig, func() error {
		return ix.vectors.Upsert(ctx, []milvus.KnowledgeVector{vector})
	})
}

func (ix *Indexer) Remove(ctx context.Context, knowledgeIDs []string) error {
	return retry.Do(ctx, ix.retryConfig, func() error {
		return ix.vectors.Delete(ctx, knowledgeIDs)
	})
}

// Reindex rebuilds the mirror for a set of nodes, used after bulk imports or
// to recover from a vector-store outage. Embedding happens in one batch when
// the embedder supports it; per-node failures are skipped, not fatal.
func (ix *Indexer) Reindex(ctx context.Context, nodes []*knowledge.KnowledgeNode) (int, error) {
	if len(nodes) == 0 {
		return 0, nil
	}

	if batcher, ok := ix.embedder.(BatchEmbedder); ok {
		indexed, err := ix.reindexBatch(ctx, batcher, nodes)
		if err == nil {
			return indexed, nil
		}
		logger.Warn("Batch reindex failed, retrying per node", zap.Error(err))
	}

	indexed := 0
	for _, node := range nodes {
		if err := ix.Index(ctx, node); err != nil {
			logger.Warn("Reindex skipped node",
				zap.String("knowledge_id", node.ID),
				zap.Error(err),
			)
			continue
		}
		indexed++
	}
	return indexed, nil
}

func (ix *Indexer) reindexBatch(ctx context.Context, batcher BatchEmbedder, nodes []*knowledge.KnowledgeNode) (int, error) {
	texts := make([]string, len(nodes))
	for i, node := range nodes {
		texts[i] = node.Content
	}

	embeddings, err := batcher.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(embeddings) != len(nodes) {
		return 0, fmt.Errorf("embedding count mismatch: %d for %d nodes", len(embeddings), len(nodes))
	}

	vectors := make([]milvus.KnowledgeVector, len(nodes))
	for i, node := range nodes {
		vectors[i] = milvus.KnowledgeVector{
			KnowledgeID: node.ID,
			Embedding:   embeddings[i],
			OwnerID:     node.OwnerID,
			Category:    string(node.Category),
			Summary:     node.Summary,
			LearnedAt:   node.LearnedAt,
		}
	}

	if err := retry.Do(ctx, ix.retryConfig, func() error {
		return ix.vectors.Upsert(ctx, vectors)
	}); err != nil {
		return 0, err
	}

	return len(vectors), nil
}
