package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/extraction"
	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/pkg/config"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

// EntityMatcher resolves a mention to an existing entity without writing.
type EntityMatcher interface {
	Match(ctx context.Context, ownerID, name string) (*knowledge.EntityNode, error)
}

// GraphReader is the read surface of the knowledge repository the retriever
// uses.
type GraphReader interface {
	SearchByEntities(ctx context.Context, ownerID string, entityIDs []string, limit int) ([]*knowledge.KnowledgeNode, error)
	SearchByContent(ctx context.Context, ownerID, text string, limit int) ([]*knowledge.KnowledgeNode, error)
	Neighbors(ctx context.Context, ownerID string, ids []string) ([]knowledge.Edge, error)
	GetMany(ctx context.Context, ownerID string, ids []string) ([]*knowledge.KnowledgeNode, error)
	IncrementUsage(ctx context.Context, id string) error
}

type Query struct {
	OwnerID string
	Text    string
	Limit   int
}

// Signals breaks a result's score into its sources, surfaced for debugging
// and ranking inspection.
type Signals struct {
	Vector    float64
	Entity    float64
	Expansion float64
	Hops      int
}

type Result struct {
	Node    *knowledge.KnowledgeNode
	Score   float64
	Signals Signals
}

// lexicalFallbackScore stands in for the vector signal when the vector store
// or embedder is down and candidates come from content search instead.
const lexicalFallbackScore = 0.5

// Retriever answers memory queries by combining vector similarity, entity
// matching and graph expansion. It never writes to the graph; usage counters
// are bumped out of band.
type Retriever struct {
	embedder Embedder
	vectors  VectorStore
	graph    GraphReader
	entities EntityMatcher
	ner      extraction.Extractor
	cfg      config.RetrievalConfig
}

func NewRetriever(embedder Embedder, vectors VectorStore, graph GraphReader, entities EntityMatcher, ner extraction.Extractor, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		graph:    graph,
		entities: entities,
		ner:      ner,
		cfg:      cfg,
	}
}

type candidate struct {
	node      *knowledge.KnowledgeNode
	vector    float64
	entity    float64
	expansion float64
	hops      int
}

func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	if q.OwnerID == "" || q.Text == "" {
		return nil, fmt.Errorf("%w: owner_id and query text are required", errs.ErrInvalidArgument)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	k := limit * r.cfg.KMultiplier

	candidates := map[string]*candidate{}

	r.vectorStage(ctx, q, k, candidates)
	r.entityStage(ctx, q, k, candidates)
	r.expandStage(ctx, q.OwnerID, candidates)

	results := r.merge(candidates, limit)

	r.touchUsage(results)

	logger.Debug("Retrieval completed",
		zap.String("owner_id", q.OwnerID),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// vectorStage seeds candidates by embedding similarity. Any failure in the
// embedder or the vector store degrades to content search rather than
// failing the query.
func (r *Retriever) vectorStage(ctx context.Context, q Query, k int, candidates map[string]*candidate) {
	embedding, err := r.embedder.GenerateEmbedding(ctx, q.Text)
	if err != nil {
		logger.Warn("Embedding unavailable, falling back to content search", zap.Error(err))
		r.lexicalFallback(ctx, q, k, candidates)
		return
	}

	hits, err := r.vectors.Search(ctx, q.OwnerID, embedding, k)
	if err != nil {
		logger.Warn("Vector search unavailable, falling back to content search", zap.Error(err))
		r.lexicalFallback(ctx, q, k, candidates)
		return
	}

	simByID := make(map[string]float64, len(hits))
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.KnowledgeID)
		simByID[hit.KnowledgeID] = 1.0 / (1.0 + float64(hit.Distance))
	}

	nodes, err := r.graph.GetMany(ctx, q.OwnerID, ids)
	if err != nil {
		logger.Warn("Failed to hydrate vector hits", zap.Error(err))
		return
	}

	for _, node := range nodes {
		c := ensure(candidates, node)
		if sim := simByID[node.ID]; sim > c.vector {
			c.vector = sim
		}
	}
}

func (r *Retriever) lexicalFallback(ctx context.Context, q Query, k int, candidates map[string]*candidate) {
	nodes, err := r.graph.SearchByContent(ctx, q.OwnerID, q.Text, k)
	if err != nil {
		logger.Warn("Content search failed", zap.Error(err))
		return
	}

	for _, node := range nodes {
		c := ensure(candidates, node)
		if c.vector < lexicalFallbackScore {
			c.vector = lexicalFallbackScore
		}
	}
}

// entityStage resolves mentions in the query against the entity layer and
// pulls in the knowledge that mentions them. Match only: a query must never
// create entities.
func (r *Retriever) entityStage(ctx context.Context, q Query, k int, candidates map[string]*candidate) {
	mentions, err := r.ner.Extract(ctx, q.Text)
	if err != nil {
		logger.Warn("Query entity extraction failed", zap.Error(err))
		return
	}
	if len(mentions) == 0 {
		return
	}

	entityIDs := []string{}
	for _, mention := range mentions {
		entity, err := r.entities.Match(ctx, q.OwnerID, mention.Name)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				logger.Warn("Entity match failed",
					zap.String("mention", mention.Name),
					zap.Error(err),
				)
			}
			continue
		}
		entityIDs = append(entityIDs, entity.ID)
	}
	if len(entityIDs) == 0 {
		return
	}

	nodes, err := r.graph.SearchByEntities(ctx, q.OwnerID, entityIDs, k)
	if err != nil {
		logger.Warn("Entity search failed", zap.Error(err))
		return
	}

	for _, node := range nodes {
		c := ensure(candidates, node)
		c.entity = 1.0
	}
}

// expandStage walks RELATED_TO/SUPPORTS edges out from the current
// candidates, breadth first. A discovered node scores by the strength of the
// edge it arrived on, decayed per hop; revisits keep the best score.
func (r *Retriever) expandStage(ctx context.Context, ownerID string, candidates map[string]*candidate) {
	if len(candidates) == 0 || r.cfg.MaxDepth < 1 {
		return
	}

	visited := make(map[string]bool, len(candidates))
	frontier := make([]string, 0, len(candidates))
	for id := range candidates {
		visited[id] = true
		frontier = append(frontier, id)
	}

	for depth := 1; depth <= r.cfg.MaxDepth && len(frontier) > 0; depth++ {
		edges, err := r.graph.Neighbors(ctx, ownerID, frontier)
		if err != nil {
			logger.Warn("Graph expansion failed", zap.Error(err))
			return
		}

		decay := math.Pow(r.cfg.Decay, float64(depth))
		next := []string{}
		for _, edge := range edges {
			score := edge.Strength * decay

			if c, ok := candidates[edge.ToID]; ok {
				if score > c.expansion {
					c.expansion = score
					c.hops = depth
				}
				continue
			}

			if visited[edge.ToID] {
				continue
			}
			visited[edge.ToID] = true

			c := ensure(candidates, edge.Node)
			c.expansion = score
			c.hops = depth
			next = append(next, edge.ToID)
		}

		frontier = next
	}
}

// merge computes the weighted final score and ranks. Deprecated nodes are
// dropped here as the last line of defense; ties break toward newer
// knowledge.
func (r *Retriever) merge(candidates map[string]*candidate, limit int) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.node.ValidationStatus == knowledge.StatusDeprecated {
			continue
		}

		score := r.cfg.VectorWeight*c.vector +
			r.cfg.EntityWeight*c.entity +
			r.cfg.ExpansionWeight*c.expansion +
			r.cfg.ConfidenceWeight*c.node.Confidence +
			r.cfg.ImportanceWeight*c.node.Importance

		results = append(results, Result{
			Node:  c.node,
			Score: score,
			Signals: Signals{
				Vector:    c.vector,
				Entity:    c.entity,
				Expansion: c.expansion,
				Hops:      c.hops,
			},
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.LearnedAt.After(results[j].Node.LearnedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results
}

// touchUsage bumps usage counters for returned results without holding up
// the response.
func (r *Retriever) touchUsage(results []Result) {
	if len(results) == 0 {
		return
	}

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.Node.ID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, id := range ids {
			if err := r.graph.IncrementUsage(ctx, id); err != nil {
				logger.Debug("Usage increment failed", zap.String("knowledge_id", id), zap.Error(err))
			}
		}
	}()
}

func ensure(candidates map[string]*candidate, node *knowledge.KnowledgeNode) *candidate {
	if c, ok := candidates[node.ID]; ok {
		return c
	}
	c := &candidate{node: node}
	candidates[node.ID] = c
	return c
}
