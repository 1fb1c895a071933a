package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

// Client maintains the vector mirror of the knowledge graph. The graph is the
// source of truth; everything here can be rebuilt from it.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

type KnowledgeVector struct {
	KnowledgeID string
	Embedding   []float32
	OwnerID     string
	Category    string
	Summary     string
	LearnedAt   time.Time
}

type SearchHit struct {
	KnowledgeID string
	OwnerID     string
	Category    string
	Summary     string
	Distance    float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("%w: failed to check collection: %v", errs.ErrVectorStoreUnavailable, err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Knowledge embeddings mirrored from the graph",
		Fields: []*entity.Field{
			{
				Name:       "knowledge_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "owner_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "category",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     "summary",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "1024",
				},
			},
			{
				Name:     "learned_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("%w: failed to create collection: %v", errs.ErrVectorStoreUnavailable, err)
	}

	idx, _ := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("%w: failed to create index: %v", errs.ErrVectorStoreUnavailable, err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("%w: failed to load collection: %v", errs.ErrVectorStoreUnavailable, err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Upsert replaces the vectors for the given knowledge ids. Delete-then-insert
// keeps one vector per knowledge node.
func (m *Client) Upsert(ctx context.Context, vectors []KnowledgeVector) error {
	if len(vectors) == 0 {
		return nil
	}

	ids := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	owners := make([]string, len(vectors))
	categories := make([]string, len(vectors))
	summaries := make([]string, len(vectors))
	learnedAts := make([]int64, len(vectors))

	for i, v := range vectors {
		ids[i] = v.KnowledgeID
		embeddings[i] = v.Embedding
		owners[i] = v.OwnerID
		categories[i] = v.Category
		summaries[i] = truncate(v.Summary, 1024)
		learnedAts[i] = v.LearnedAt.UnixMilli()
	}

	if err := m.deleteByIDs(ctx, ids); err != nil {
		return err
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("knowledge_id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("owner_id", owners),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnVarChar("summary", summaries),
		entity.NewColumnInt64("learned_at", learnedAts),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert vectors: %v", errs.ErrVectorStoreUnavailable, err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("%w: failed to flush: %v", errs.ErrVectorStoreUnavailable, err)
	}

	logger.Debug("Knowledge vectors upserted", zap.Int("count", len(vectors)))

	return nil
}

// Search returns the topK nearest vectors for one owner. The owner filter is
// applied inside the store so tenants never share a candidate pool.
func (m *Client) Search(ctx context.Context, ownerID string, queryEmbedding []float32, topK int) ([]SearchHit, error) {
	expr := fmt.Sprintf(`owner_id == "%s"`, escapeExpr(ownerID))

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"knowledge_id", "owner_id", "category", "summary"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search: %v", errs.ErrVectorStoreUnavailable, err)
	}

	hits := make([]SearchHit, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("knowledge_id")
		ownerCol := sr.Fields.GetColumn("owner_id")
		categoryCol := sr.Fields.GetColumn("category")
		summaryCol := sr.Fields.GetColumn("summary")

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.Get(i)
			owner, _ := ownerCol.Get(i)
			category, _ := categoryCol.Get(i)
			summary, _ := summaryCol.Get(i)

			hits = append(hits, SearchHit{
				KnowledgeID: id.(string),
				OwnerID:     owner.(string),
				Category:    category.(string),
				Summary:     summary.(string),
				Distance:    sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("owner_id", ownerID),
		zap.Int("topK", topK),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

// Delete removes vectors for knowledge ids, used when a node is deprecated.
func (m *Client) Delete(ctx context.Context, knowledgeIDs []string) error {
	if len(knowledgeIDs) == 0 {
		return nil
	}

	if err := m.deleteByIDs(ctx, knowledgeIDs); err != nil {
		return err
	}

	logger.Debug("Knowledge vectors deleted", zap.Int("count", len(knowledgeIDs)))

	return nil
}

func (m *Client) deleteByIDs(ctx context.Context, ids []string) error {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf(`"%s"`, escapeExpr(id))
	}
	expr := fmt.Sprintf("knowledge_id in [%s]", strings.Join(quoted, ", "))

	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("%w: failed to delete vectors: %v", errs.ErrVectorStoreUnavailable, err)
	}

	return nil
}

func escapeExpr(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
