package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/vector/milvus"
)

type recordingVectors struct {
	upserts [][]milvus.KnowledgeVector
	deleted []string
	err     error
}

func (r *recordingVectors) Upsert(_ context.Context, vectors []milvus.KnowledgeVector) error {
	if r.err != nil {
		return r.err
	}
	r.upserts = append(r.upserts, vectors)
	return nil
}

func (r *recordingVectors) Delete(_ context.Context, ids []string) error {
	r.deleted = append(r.deleted, ids...)
	return nil
}

func (r *recordingVectors) Search(_ context.Context, _ string, _ []float32, _ int) ([]milvus.SearchHit, error) {
	return nil, nil
}

// batchingEmbedder counts single and batch calls separately.
type batchingEmbedder struct {
	singleCalls int
	batchCalls  int
	batchErr    error
}

func (b *batchingEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	b.singleCalls++
	return []float32{0.1, 0.2}, nil
}

func (b *batchingEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	b.batchCalls++
	if b.batchErr != nil {
		return nil, b.batchErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func indexerNode(id, content string) *knowledge.KnowledgeNode {
	return &knowledge.KnowledgeNode{
		ID:        id,
		Content:   content,
		Summary:   content,
		Category:  knowledge.CategoryFact,
		OwnerID:   "owner-1",
		LearnedAt: time.Now(),
	}
}

func TestIndexEmbedsAndUpserts(t *testing.T) {
	embedder := &batchingEmbedder{}
	vectors := &recordingVectors{}
	ix := NewIndexer(embedder, vectors)

	err := ix.Index(context.Background(), indexerNode("k1", "coffee at 93 degrees"))
	require.NoError(t, err)

	require.Len(t, vectors.upserts, 1)
	assert.Equal(t, "k1", vectors.upserts[0][0].KnowledgeID)
	assert.Equal(t, "owner-1", vectors.upserts[0][0].OwnerID)
}

func TestReindexUsesBatchEmbedding(t *testing.T) {
	embedder := &batchingEmbedder{}
	vectors := &recordingVectors{}
	ix := NewIndexer(embedder, vectors)

	nodes := []*knowledge.KnowledgeNode{
		indexerNode("k1", "a"),
		indexerNode("k2", "b"),
		indexerNode("k3", "c"),
	}

	indexed, err := ix.Reindex(context.Background(), nodes)
	require.NoError(t, err)

	assert.Equal(t, 3, indexed)
	assert.Equal(t, 1, embedder.batchCalls)
	assert.Equal(t, 0, embedder.singleCalls)
	require.Len(t, vectors.upserts, 1)
	assert.Len(t, vectors.upserts[0], 3)
}

func TestReindexFallsBackPerNodeWhenBatchFails(t *testing.T) {
	embedder := &batchingEmbedder{batchErr: errors.New("batch endpoint down")}
	vectors := &recordingVectors{}
	ix := NewIndexer(embedder, vectors)

	nodes := []*knowledge.KnowledgeNode{
		indexerNode("k1", "a"),
		indexerNode("k2", "b"),
	}

	indexed, err := ix.Reindex(context.Background(), nodes)
	require.NoError(t, err)

	assert.Equal(t, 2, indexed)
	assert.Equal(t, 2, embedder.singleCalls)
	assert.Len(t, vectors.upserts, 2)
}

func TestReindexEmptyInput(t *testing.T) {
	ix := NewIndexer(&batchingEmbedder{}, &recordingVectors{})

	indexed, err := ix.Reindex(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, indexed)
}

func TestRemoveDeletesVectors(t *testing.T) {
	vectors := &recordingVectors{}
	ix := NewIndexer(&batchingEmbedder{}, vectors)

	require.NoError(t, ix.Remove(context.Background(), []string{"k1", "k2"}))
	assert.Equal(t, []string{"k1", "k2"}, vectors.deleted)
}
