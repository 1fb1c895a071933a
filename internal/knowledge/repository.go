package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	kgneo4j "github.com/dh-agent/backend/internal/kg/neo4j"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

// graphClient is the slice of the Neo4j client the repositories need.
type graphClient interface {
	Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	Write(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// Repository is the only writer of Knowledge nodes and their relationships.
type Repository struct {
	graph graphClient
}

type RelatedKnowledge struct {
	Node     *KnowledgeNode
	Distance int
}

type Contradiction struct {
	Node   *KnowledgeNode
	Reason string
}

// Edge is one hop over RELATED_TO/SUPPORTS, used by the retriever's
// breadth-first expansion.
type Edge struct {
	FromID   string
	ToID     string
	Strength float64
	Node     *KnowledgeNode
}

// supportsDefaultStrength is used when an edge carries no strength property
// (SUPPORTS edges corroborate, so they expand strongly).
const supportsDefaultStrength = 0.8

func NewRepository(graph graphClient) *Repository {
	return &Repository{graph: graph}
}

func (r *Repository) Create(ctx context.Context, node *KnowledgeNode) error {
	if node.Content == "" || node.OwnerID == "" {
		return fmt.Errorf("%w: content and owner_id are required", errs.ErrInvalidArgument)
	}
	if !node.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", errs.ErrInvalidArgument, node.Category)
	}
	if !node.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", errs.ErrInvalidArgument, node.Source)
	}
	if node.Confidence < 0 || node.Confidence > 1 || node.Importance < 0 || node.Importance > 1 {
		return fmt.Errorf("%w: confidence and importance must be in [0,1]", errs.ErrInvalidArgument)
	}

	query := `
		CREATE (k:Knowledge)
		SET k = $props
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{"props": knowledgeProps(node)}); err != nil {
		return graphErr(err)
	}

	logger.Debug("Knowledge node created",
		zap.String("knowledge_id", node.ID),
		zap.String("owner_id", node.OwnerID),
		zap.String("category", string(node.Category)),
	)

	return nil
}

func (r *Repository) Get(ctx context.Context, id, ownerID string) (*KnowledgeNode, error) {
	query := `
		MATCH (k:Knowledge {id: $id, owner_id: $owner_id})
		RETURN k
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"id": id, "owner_id": ownerID})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: knowledge %s", errs.ErrNotFound, id)
	}

	return knowledgeFromProps(kgneo4j.NodeProps(rows[0]["k"])), nil
}

// GetMany fetches a batch of nodes by id, owner-scoped. Missing ids are
// silently absent from the result.
func (r *Repository) GetMany(ctx context.Context, ownerID string, ids []string) ([]*KnowledgeNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		MATCH (k:Knowledge {owner_id: $owner_id})
		WHERE k.id IN $ids
		RETURN k
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"owner_id": ownerID, "ids": ids})
	if err != nil {
		return nil, graphErr(err)
	}

	return nodesFromRows(rows, "k"), nil
}

// updatableFields whitelists the properties Update may touch. Identity,
// ownership and learned_at are immutable.
var updatableFields = map[string]bool{
	"content":             true,
	"summary":             true,
	"confidence":          true,
	"importance":          true,
	"keywords":            true,
	"context":             true,
	"requires_validation": true,
}

func (r *Repository) Update(ctx context.Context, id, ownerID string, fields map[string]any) (*KnowledgeNode, error) {
	filtered := make(map[string]any, len(fields))
	for key, value := range fields {
		if updatableFields[key] {
			filtered[key] = value
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: no updatable fields", errs.ErrInvalidArgument)
	}

	query := `
		MATCH (k:Knowledge {id: $id, owner_id: $owner_id})
		SET k += $fields
		RETURN k
	`

	rows, err := r.graph.Write(ctx, query, map[string]any{
		"id":       id,
		"owner_id": ownerID,
		"fields":   filtered,
	})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: knowledge %s", errs.ErrNotFound, id)
	}

	return knowledgeFromProps(kgneo4j.NodeProps(rows[0]["k"])), nil
}

// UpdateStatus applies a validation-status transition, enforcing the state
// machine: deprecated is terminal and unknown edges are rejected.
func (r *Repository) UpdateStatus(ctx context.Context, id, ownerID string, to ValidationStatus) (*KnowledgeNode, error) {
	current, err := r.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if !current.ValidationStatus.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot transition %s from %s to %s",
			errs.ErrInvalidArgument, id, current.ValidationStatus, to)
	}

	query := `
		MATCH (k:Knowledge {id: $id, owner_id: $owner_id})
		SET k.validation_status = $status
		RETURN k
	`

	rows, err := r.graph.Write(ctx, query, map[string]any{
		"id":       id,
		"owner_id": ownerID,
		"status":   string(to),
	})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: knowledge %s", errs.ErrNotFound, id)
	}

	return knowledgeFromProps(kgneo4j.NodeProps(rows[0]["k"])), nil
}

// SoftDelete deprecates a node instead of removing it, preserving every
// inbound relationship.
func (r *Repository) SoftDelete(ctx context.Context, id, ownerID string) error {
	_, err := r.UpdateStatus(ctx, id, ownerID, StatusDeprecated)
	return err
}

// SearchByContent is the keyword/substring fallback used when vector search
// is unavailable.
func (r *Repository) SearchByContent(ctx context.Context, ownerID, text string, limit int) ([]*KnowledgeNode, error) {
	query := `
		MATCH (k:Knowledge {owner_id: $owner_id})
		WHERE k.validation_status <> 'deprecated'
		  AND (toLower(k.content) CONTAINS $text
		       OR toLower(k.summary) CONTAINS $text
		       OR any(kw IN k.keywords WHERE kw CONTAINS $text))
		RETURN k
		ORDER BY k.importance DESC, k.learned_at DESC
		LIMIT $limit
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{
		"owner_id": ownerID,
		"text":     strings.ToLower(strings.TrimSpace(text)),
		"limit":    limit,
	})
	if err != nil {
		return nil, graphErr(err)
	}

	return nodesFromRows(rows, "k"), nil
}

// ListByOwner returns the owner's non-deprecated nodes, newest first. Feeds
// vector-mirror rebuilds.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*KnowledgeNode, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", errs.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		MATCH (k:Knowledge {owner_id: $owner_id})
		WHERE k.validation_status <> 'deprecated'
		RETURN k
		ORDER BY k.learned_at DESC
		SKIP $offset
		LIMIT $limit
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{
		"owner_id": ownerID,
		"offset":   offset,
		"limit":    limit,
	})
	if err != nil {
		return nil, graphErr(err)
	}

	return nodesFromRows(rows, "k"), nil
}

// SearchByKeywords returns nodes whose keyword set overlaps the given one by
// at least minOverlap terms, most-overlapping first. Contradiction candidate
// discovery runs on this.
func (r *Repository) SearchByKeywords(ctx context.Context, ownerID string, keywords []string, minOverlap, limit int) ([]*KnowledgeNode, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	query := `
		MATCH (k:Knowledge {owner_id: $owner_id})
		WHERE k.validation_status <> 'deprecated'
		WITH k, size([kw IN k.keywords WHERE kw IN $keywords]) AS overlap
		WHERE overlap >= $min_overlap
		RETURN k
		ORDER BY overlap DESC, k.learned_at DESC
		LIMIT $limit
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{
		"owner_id":    ownerID,
		"keywords":    keywords,
		"min_overlap": minOverlap,
		"limit":       limit,
	})
	if err != nil {
		return nil, graphErr(err)
	}

	return nodesFromRows(rows, "k"), nil
}

// SearchByEntities follows MENTIONS edges in reverse.
func (r *Repository) SearchByEntities(ctx context.Context, ownerID string, entityIDs []string, limit int) ([]*KnowledgeNode, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		MATCH (k:Knowledge {owner_id: $owner_id})-[:MENTIONS]->(e:Entity)
		WHERE e.id IN $entity_ids
		  AND k.validation_status <> 'deprecated'
		RETURN DISTINCT k
		ORDER BY k.importance DESC
		LIMIT $limit
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{
		"owner_id":   ownerID,
		"entity_ids": entityIDs,
		"limit":      limit,
	})
	if err != nil {
		return nil, graphErr(err)
	}

	return nodesFromRows(rows, "k"), nil
}

func (r *Repository) FindContradictions(ctx context.Context, id string) ([]Contradiction, error) {
	query := `
		MATCH (k:Knowledge {id: $id})-[r:CONTRADICTS]-(other:Knowledge)
		RETURN other, r.reason AS reason
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, graphErr(err)
	}

	contradictions := make([]Contradiction, 0, len(rows))
	for _, row := range rows {
		contradictions = append(contradictions, Contradiction{
			Node:   knowledgeFromProps(kgneo4j.NodeProps(row["other"])),
			Reason: asString(row["reason"]),
		})
	}

	return contradictions, nil
}

// FindRelated walks RELATED_TO/SUPPORTS up to maxDepth hops and returns each
// reachable node with its shortest path length.
func (r *Repository) FindRelated(ctx context.Context, id string, maxDepth int) ([]RelatedKnowledge, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 5 {
		maxDepth = 5
	}

	// Variable-length bounds cannot be parameterized in Cypher; maxDepth is
	// clamped above before interpolation.
	query := fmt.Sprintf(`
		MATCH path = (k:Knowledge {id: $id})-[:RELATED_TO|SUPPORTS*1..%d]-(other:Knowledge)
		WHERE other.id <> $id AND other.validation_status <> 'deprecated'
		WITH other, min(length(path)) AS distance
		RETURN other, distance
		ORDER BY distance, other.importance DESC
	`, maxDepth)

	rows, err := r.graph.Read(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, graphErr(err)
	}

	related := make([]RelatedKnowledge, 0, len(rows))
	for _, row := range rows {
		related = append(related, RelatedKnowledge{
			Node:     knowledgeFromProps(kgneo4j.NodeProps(row["other"])),
			Distance: int(asInt(row["distance"])),
		})
	}

	return related, nil
}

// Neighbors returns the single-hop RELATED_TO/SUPPORTS frontier around the
// given node ids, owner-scoped and excluding deprecated targets.
func (r *Repository) Neighbors(ctx context.Context, ownerID string, ids []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		MATCH (k:Knowledge)-[rel:RELATED_TO|SUPPORTS]-(n:Knowledge {owner_id: $owner_id})
		WHERE k.id IN $ids
		  AND n.validation_status <> 'deprecated'
		RETURN k.id AS from_id, n.id AS to_id,
		       coalesce(rel.strength, $default_strength) AS strength,
		       n
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{
		"owner_id":         ownerID,
		"ids":              ids,
		"default_strength": supportsDefaultStrength,
	})
	if err != nil {
		return nil, graphErr(err)
	}

	edges := make([]Edge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, Edge{
			FromID:   asString(row["from_id"]),
			ToID:     asString(row["to_id"]),
			Strength: asFloat(row["strength"]),
			Node:     knowledgeFromProps(kgneo4j.NodeProps(row["n"])),
		})
	}

	return edges, nil
}

// CreateRelation links two knowledge nodes. relType must be one of the
// knowledge-to-knowledge relationship types; it is interpolated, so the
// whitelist check is load-bearing.
func (r *Repository) CreateRelation(ctx context.Context, fromID, toID string, relType RelationType, props map[string]any) error {
	switch relType {
	case RelationRelatedTo, RelationContradicts, RelationSupports:
	default:
		return fmt.Errorf("%w: relation type %s not allowed between knowledge nodes", errs.ErrInvalidArgument, relType)
	}

	if props == nil {
		props = map[string]any{}
	}
	props["created_at"] = time.Now().UnixMilli()

	query := fmt.Sprintf(`
		MATCH (a:Knowledge {id: $from_id})
		MATCH (b:Knowledge {id: $to_id})
		MERGE (a)-[r:%s]->(b)
		SET r += $props
	`, relType)

	if _, err := r.graph.Write(ctx, query, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
		"props":   props,
	}); err != nil {
		return graphErr(err)
	}

	logger.Debug("Knowledge relation created",
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.String("type", string(relType)),
	)

	return nil
}

// LinkMention ensures the MENTIONS edge between a knowledge unit and an
// entity it references. MERGE keeps it idempotent.
func (r *Repository) LinkMention(ctx context.Context, knowledgeID, entityID string) error {
	query := `
		MATCH (k:Knowledge {id: $knowledge_id})
		MATCH (e:Entity {id: $entity_id})
		MERGE (k)-[:MENTIONS]->(e)
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{
		"knowledge_id": knowledgeID,
		"entity_id":    entityID,
	}); err != nil {
		return graphErr(err)
	}

	return nil
}

// IncrementUsage bumps the usage counter touched by the retriever. Best
// effort: the counter is a ranking signal, not a ledger.
func (r *Repository) IncrementUsage(ctx context.Context, id string) error {
	query := `
		MATCH (k:Knowledge {id: $id})
		SET k.usage_count = coalesce(k.usage_count, 0) + 1,
		    k.last_used_at = $now
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{
		"id":  id,
		"now": time.Now().UnixMilli(),
	}); err != nil {
		return graphErr(err)
	}

	return nil
}

func (r *Repository) Statistics(ctx context.Context, ownerID string) (*Statistics, error) {
	stats := &Statistics{
		ByCategory: map[Category]int{},
		ByStatus:   map[ValidationStatus]int{},
	}

	categoryQuery := `
		MATCH (k:Knowledge {owner_id: $owner_id})
		RETURN k.category AS category, k.validation_status AS status,
		       count(k) AS total, avg(k.confidence) AS avg_confidence,
		       avg(k.importance) AS avg_importance
	`

	rows, err := r.graph.Read(ctx, categoryQuery, map[string]any{"owner_id": ownerID})
	if err != nil {
		return nil, graphErr(err)
	}

	var confidenceSum, importanceSum float64
	for _, row := range rows {
		count := int(asInt(row["total"]))
		stats.TotalNodes += count
		stats.ByCategory[Category(asString(row["category"]))] += count
		stats.ByStatus[ValidationStatus(asString(row["status"]))] += count
		confidenceSum += asFloat(row["avg_confidence"]) * float64(count)
		importanceSum += asFloat(row["avg_importance"]) * float64(count)
	}
	if stats.TotalNodes > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.TotalNodes)
		stats.AvgImportance = importanceSum / float64(stats.TotalNodes)
	}

	countsQuery := `
		MATCH (e:Entity {owner_id: $owner_id})
		WITH count(e) AS entities
		OPTIONAL MATCH (k:Knowledge {owner_id: $owner_id})-[r]-()
		RETURN entities, count(DISTINCT r) AS relations
	`

	rows, err = r.graph.Read(ctx, countsQuery, map[string]any{"owner_id": ownerID})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) > 0 {
		stats.TotalEntities = int(asInt(rows[0]["entities"]))
		stats.TotalRelations = int(asInt(rows[0]["relations"]))
	}

	return stats, nil
}

func nodesFromRows(rows []map[string]any, key string) []*KnowledgeNode {
	nodes := make([]*KnowledgeNode, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, knowledgeFromProps(kgneo4j.NodeProps(row[key])))
	}
	return nodes
}

// graphErr classifies a driver failure as graph-store unavailability unless
// it already carries a domain error.
func graphErr(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrGraphStoreUnavailable, err)
}
