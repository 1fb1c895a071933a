package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kgneo4j "github.com/dh-agent/backend/internal/kg/neo4j"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

// EntityRepository resolves entity mentions to canonical nodes. Resolution
// order is exact normalized name, then alias, then fuzzy ratio; creation is
// an owner-scoped MERGE so concurrent callers converge on one node.
type EntityRepository struct {
	graph           graphClient
	fuzzyMatchRatio float64
}

func NewEntityRepository(graph graphClient, fuzzyMatchRatio float64) *EntityRepository {
	if fuzzyMatchRatio <= 0 || fuzzyMatchRatio > 1 {
		fuzzyMatchRatio = 0.9
	}
	return &EntityRepository{graph: graph, fuzzyMatchRatio: fuzzyMatchRatio}
}

// Match resolves a name to an existing entity without creating anything.
// Returns ErrNotFound when nothing resolves; used by the retriever, which
// must never write during a query.
func (r *EntityRepository) Match(ctx context.Context, ownerID, name string) (*EntityNode, error) {
	normalized := NormalizeEntityName(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty entity name", errs.ErrInvalidArgument)
	}

	if entity, err := r.byNormalizedName(ctx, ownerID, normalized); err != nil || entity != nil {
		return entity, err
	}

	if entity, err := r.byAlias(ctx, ownerID, normalized); err != nil || entity != nil {
		return entity, err
	}

	entity, err := r.byFuzzyScan(ctx, ownerID, normalized)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: entity %q", errs.ErrNotFound, name)
	}

	return entity, nil
}

// FindOrCreate resolves a mention to its canonical entity, creating a new
// node when nothing matches. The returned bool reports whether a node was
// created. A fuzzy hit records the surface form as an alias so the next
// lookup resolves exactly.
func (r *EntityRepository) FindOrCreate(ctx context.Context, ownerID, name, entityType, description string) (*EntityNode, bool, error) {
	normalized := NormalizeEntityName(name)
	if normalized == "" {
		return nil, false, fmt.Errorf("%w: empty entity name", errs.ErrInvalidArgument)
	}

	if entity, err := r.byNormalizedName(ctx, ownerID, normalized); err != nil {
		return nil, false, err
	} else if entity != nil {
		return entity, false, nil
	}

	if entity, err := r.byAlias(ctx, ownerID, normalized); err != nil {
		return nil, false, err
	} else if entity != nil {
		return entity, false, nil
	}

	if entity, err := r.byFuzzyScan(ctx, ownerID, normalized); err != nil {
		return nil, false, err
	} else if entity != nil {
		if err := r.AddAlias(ctx, entity.ID, normalized); err != nil {
			logger.Warn("Failed to record entity alias",
				zap.String("entity_id", entity.ID),
				zap.String("alias", normalized),
				zap.Error(err),
			)
		}
		return entity, false, nil
	}

	now := time.Now()
	entity := &EntityNode{
		ID:             uuid.New().String(),
		Name:           name,
		NormalizedName: normalized,
		EntityType:     entityType,
		Description:    description,
		OwnerID:        ownerID,
		MentionCount:   1,
		Aliases:        []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// MERGE on the uniqueness-constrained key: if a concurrent call already
	// created the node, ON MATCH keeps the existing one and we return it.
	query := `
		MERGE (e:Entity {owner_id: $owner_id, normalized_name: $normalized_name})
		ON CREATE SET e = $props
		ON MATCH SET e.mention_count = e.mention_count + 1,
		             e.updated_at = $now
		RETURN e, e.id = $id AS created
	`

	rows, err := r.graph.Write(ctx, query, map[string]any{
		"owner_id":        ownerID,
		"normalized_name": normalized,
		"props":           entityProps(entity),
		"id":              entity.ID,
		"now":             now.UnixMilli(),
	})
	if err != nil {
		return nil, false, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, false, fmt.Errorf("%w: entity merge returned no row", errs.ErrGraphStoreUnavailable)
	}

	resolved := entityFromProps(kgneo4j.NodeProps(rows[0]["e"]))
	created := asBool(rows[0]["created"])
	if created {
		logger.Debug("Entity created",
			zap.String("entity_id", resolved.ID),
			zap.String("owner_id", ownerID),
			zap.String("name", normalized),
		)
	}

	return resolved, created, nil
}

func (r *EntityRepository) Get(ctx context.Context, id, ownerID string) (*EntityNode, error) {
	query := `
		MATCH (e:Entity {id: $id, owner_id: $owner_id})
		RETURN e
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"id": id, "owner_id": ownerID})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: entity %s", errs.ErrNotFound, id)
	}

	return entityFromProps(kgneo4j.NodeProps(rows[0]["e"])), nil
}

func (r *EntityRepository) AddAlias(ctx context.Context, entityID, alias string) error {
	alias = NormalizeEntityName(alias)
	if alias == "" {
		return fmt.Errorf("%w: empty alias", errs.ErrInvalidArgument)
	}

	query := `
		MATCH (e:Entity {id: $id})
		WHERE NOT $alias IN e.aliases AND e.normalized_name <> $alias
		SET e.aliases = e.aliases + $alias,
		    e.updated_at = $now
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{
		"id":    entityID,
		"alias": alias,
		"now":   time.Now().UnixMilli(),
	}); err != nil {
		return graphErr(err)
	}

	return nil
}

// Merge folds the source entity into the target: re-points MENTIONS and
// CO_OCCURS edges, unions aliases and mention counts, then deletes the
// source. Merging is explicit, never automatic.
func (r *EntityRepository) Merge(ctx context.Context, ownerID, targetID, sourceID string) (*EntityNode, error) {
	if targetID == sourceID {
		return nil, fmt.Errorf("%w: cannot merge an entity into itself", errs.ErrInvalidArgument)
	}

	target, err := r.Get(ctx, targetID, ownerID)
	if err != nil {
		return nil, err
	}
	source, err := r.Get(ctx, sourceID, ownerID)
	if err != nil {
		return nil, err
	}

	aliases := target.Aliases
	seen := map[string]bool{target.NormalizedName: true}
	for _, alias := range target.Aliases {
		seen[alias] = true
	}
	for _, alias := range append(source.Aliases, source.NormalizedName) {
		if !seen[alias] {
			aliases = append(aliases, alias)
			seen[alias] = true
		}
	}

	query := `
		MATCH (target:Entity {id: $target_id, owner_id: $owner_id})
		MATCH (source:Entity {id: $source_id, owner_id: $owner_id})
		OPTIONAL MATCH (k:Knowledge)-[:MENTIONS]->(source)
		FOREACH (node IN CASE WHEN k IS NULL THEN [] ELSE [k] END |
			MERGE (node)-[:MENTIONS]->(target))
		WITH target, source
		OPTIONAL MATCH (source)-[c:CO_OCCURS]-(other:Entity)
		WHERE other.id <> $target_id
		FOREACH (pair IN CASE WHEN other IS NULL THEN [] ELSE [{node: other, count: c.count}] END |
			MERGE (target)-[merged:CO_OCCURS]-(pair.node)
			ON CREATE SET merged.count = pair.count
			ON MATCH SET merged.count = merged.count + pair.count)
		WITH target, source
		SET target.mention_count = target.mention_count + source.mention_count,
		    target.aliases = $aliases,
		    target.updated_at = $now
		DETACH DELETE source
		RETURN target
	`

	rows, err := r.graph.Write(ctx, query, map[string]any{
		"target_id": targetID,
		"source_id": sourceID,
		"owner_id":  ownerID,
		"aliases":   aliases,
		"now":       time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: entity %s", errs.ErrNotFound, targetID)
	}

	logger.Info("Entities merged",
		zap.String("owner_id", ownerID),
		zap.String("target_id", targetID),
		zap.String("source_id", sourceID),
	)

	return entityFromProps(kgneo4j.NodeProps(rows[0]["target"])), nil
}

func (r *EntityRepository) IncrementMention(ctx context.Context, entityID string) error {
	query := `
		MATCH (e:Entity {id: $id})
		SET e.mention_count = e.mention_count + 1,
		    e.updated_at = $now
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{
		"id":  entityID,
		"now": time.Now().UnixMilli(),
	}); err != nil {
		return graphErr(err)
	}

	return nil
}

// CoOccurrence bumps the undirected CO_OCCURS edge between two entities. The
// pair is canonicalized by id ordering so the same edge is hit from either
// direction.
func (r *EntityRepository) CoOccurrence(ctx context.Context, entityA, entityB string) error {
	if entityA == entityB {
		return nil
	}
	if entityB < entityA {
		entityA, entityB = entityB, entityA
	}

	query := `
		MATCH (a:Entity {id: $a})
		MATCH (b:Entity {id: $b})
		MERGE (a)-[c:CO_OCCURS]->(b)
		ON CREATE SET c.count = 1
		ON MATCH SET c.count = c.count + 1
	`

	if _, err := r.graph.Write(ctx, query, map[string]any{"a": entityA, "b": entityB}); err != nil {
		return graphErr(err)
	}

	return nil
}

// RecalculateImportance rescores every entity of an owner from its mention
// count and connectivity, normalized against the owner's maximum.
func (r *EntityRepository) RecalculateImportance(ctx context.Context, ownerID string) (int, error) {
	query := `
		MATCH (e:Entity {owner_id: $owner_id})
		OPTIONAL MATCH (e)-[c:CO_OCCURS]-()
		WITH e, e.mention_count + coalesce(sum(c.count), 0) AS weight
		WITH collect({entity: e, weight: weight}) AS scored,
		     max(weight) AS max_weight
		UNWIND scored AS row
		SET (row.entity).importance_score =
			CASE WHEN max_weight = 0 THEN 0.0
			     ELSE toFloat(row.weight) / max_weight END
		RETURN count(row) AS updated
	`

	rows, err := r.graph.Write(ctx, query, map[string]any{"owner_id": ownerID})
	if err != nil {
		return 0, graphErr(err)
	}

	updated := 0
	if len(rows) > 0 {
		updated = int(asInt(rows[0]["updated"]))
	}

	logger.Info("Entity importance recalculated",
		zap.String("owner_id", ownerID),
		zap.Int("updated", updated),
	)

	return updated, nil
}

func (r *EntityRepository) TopEntities(ctx context.Context, ownerID string, limit int) ([]*EntityNode, error) {
	query := `
		MATCH (e:Entity {owner_id: $owner_id})
		RETURN e
		ORDER BY e.importance_score DESC, e.mention_count DESC
		LIMIT $limit
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"owner_id": ownerID, "limit": limit})
	if err != nil {
		return nil, graphErr(err)
	}

	entities := make([]*EntityNode, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, entityFromProps(kgneo4j.NodeProps(row["e"])))
	}

	return entities, nil
}

func (r *EntityRepository) byNormalizedName(ctx context.Context, ownerID, normalized string) (*EntityNode, error) {
	query := `
		MATCH (e:Entity {owner_id: $owner_id, normalized_name: $name})
		RETURN e
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"owner_id": ownerID, "name": normalized})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return entityFromProps(kgneo4j.NodeProps(rows[0]["e"])), nil
}

func (r *EntityRepository) byAlias(ctx context.Context, ownerID, normalized string) (*EntityNode, error) {
	query := `
		MATCH (e:Entity {owner_id: $owner_id})
		WHERE $name IN e.aliases
		RETURN e
		LIMIT 1
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"owner_id": ownerID, "name": normalized})
	if err != nil {
		return nil, graphErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return entityFromProps(kgneo4j.NodeProps(rows[0]["e"])), nil
}

// byFuzzyScan compares against the owner's entity names in memory. Owner
// vocabularies are small enough that a scan beats maintaining a trigram
// index in the graph.
func (r *EntityRepository) byFuzzyScan(ctx context.Context, ownerID, normalized string) (*EntityNode, error) {
	query := `
		MATCH (e:Entity {owner_id: $owner_id})
		RETURN e.id AS id, e.normalized_name AS name
	`

	rows, err := r.graph.Read(ctx, query, map[string]any{"owner_id": ownerID})
	if err != nil {
		return nil, graphErr(err)
	}

	bestID := ""
	bestRatio := 0.0
	for _, row := range rows {
		ratio := fuzzyRatio(normalized, asString(row["name"]))
		if ratio > bestRatio {
			bestRatio = ratio
			bestID = asString(row["id"])
		}
	}

	if bestID == "" || bestRatio < r.fuzzyMatchRatio {
		return nil, nil
	}

	return r.Get(ctx, bestID, ownerID)
}
