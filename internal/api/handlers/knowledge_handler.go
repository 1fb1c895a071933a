package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/internal/retrieval"
	"github.com/dh-agent/backend/pkg/logger"
)

type KnowledgeHandler struct {
	service  *knowledge.Service
	repo     *knowledge.Repository
	entities *knowledge.EntityRepository
	indexer  *retrieval.Indexer
}

func NewKnowledgeHandler(service *knowledge.Service, repo *knowledge.Repository, entities *knowledge.EntityRepository, indexer *retrieval.Indexer) *KnowledgeHandler {
	return &KnowledgeHandler{
		service:  service,
		repo:     repo,
		entities: entities,
		indexer:  indexer,
	}
}

func nodeJSON(node *knowledge.KnowledgeNode) fiber.Map {
	return fiber.Map{
		"id":                  node.ID,
		"content":             node.Content,
		"summary":             node.Summary,
		"category":            node.Category,
		"source":              node.Source,
		"confidence":          node.Confidence,
		"validation_status":   node.ValidationStatus,
		"requires_validation": node.RequiresValidation,
		"importance":          node.Importance,
		"owner_id":            node.OwnerID,
		"learned_at":          node.LearnedAt.UnixMilli(),
		"keywords":            node.Keywords,
		"context":             node.Context,
		"usage_count":         node.UsageCount,
	}
}

func (h *KnowledgeHandler) GetKnowledge(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	node, err := h.repo.Get(c.Context(), c.Params("id"), ownerID)
	if err != nil {
		return fail(c, err, "Knowledge not found")
	}

	return c.JSON(nodeJSON(node))
}

func (h *KnowledgeHandler) UpdateKnowledge(c *fiber.Ctx) error {
	var req struct {
		OwnerID string         `json:"owner_id"`
		Fields  map[string]any `json:"fields"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	node, err := h.repo.Update(c.Context(), c.Params("id"), req.OwnerID, req.Fields)
	if err != nil {
		logger.Error("Failed to update knowledge", zap.Error(err))
		return fail(c, err, "Failed to update knowledge")
	}

	return c.JSON(nodeJSON(node))
}

func (h *KnowledgeHandler) ValidateKnowledge(c *fiber.Ctx) error {
	var req struct {
		OwnerID    string `json:"owner_id"`
		Approve    bool   `json:"approve"`
		Correction string `json:"correction"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	node, err := h.service.Validate(c.Context(), req.OwnerID, c.Params("id"), req.Approve, req.Correction)
	if err != nil {
		logger.Error("Failed to validate knowledge", zap.Error(err))
		return fail(c, err, "Failed to validate knowledge")
	}

	metrics.ValidationResolved.WithLabelValues(string(node.ValidationStatus)).Inc()

	return c.JSON(nodeJSON(node))
}

func (h *KnowledgeHandler) DeprecateKnowledge(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	if err := h.service.Deprecate(c.Context(), ownerID, c.Params("id")); err != nil {
		logger.Error("Failed to deprecate knowledge", zap.Error(err))
		return fail(c, err, "Failed to deprecate knowledge")
	}

	return c.JSON(fiber.Map{"status": "deprecated"})
}

func (h *KnowledgeHandler) GetRelated(c *fiber.Ctx) error {
	depth := c.QueryInt("depth", 2)

	related, err := h.repo.FindRelated(c.Context(), c.Params("id"), depth)
	if err != nil {
		logger.Error("Failed to find related knowledge", zap.Error(err))
		return fail(c, err, "Failed to find related knowledge")
	}

	items := make([]fiber.Map, 0, len(related))
	for _, rel := range related {
		item := nodeJSON(rel.Node)
		item["distance"] = rel.Distance
		items = append(items, item)
	}

	return c.JSON(fiber.Map{"related": items})
}

func (h *KnowledgeHandler) GetContradictions(c *fiber.Ctx) error {
	contradictions, err := h.repo.FindContradictions(c.Context(), c.Params("id"))
	if err != nil {
		logger.Error("Failed to find contradictions", zap.Error(err))
		return fail(c, err, "Failed to find contradictions")
	}

	items := make([]fiber.Map, 0, len(contradictions))
	for _, con := range contradictions {
		item := nodeJSON(con.Node)
		item["reason"] = con.Reason
		items = append(items, item)
	}

	return c.JSON(fiber.Map{"contradictions": items})
}

func (h *KnowledgeHandler) GetStatistics(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	stats, err := h.repo.Statistics(c.Context(), ownerID)
	if err != nil {
		logger.Error("Failed to compute statistics", zap.Error(err))
		return fail(c, err, "Failed to compute statistics")
	}

	metrics.GraphNodesTotal.Set(float64(stats.TotalNodes))
	metrics.GraphEntitiesTotal.Set(float64(stats.TotalEntities))

	return c.JSON(fiber.Map{
		"total_nodes":     stats.TotalNodes,
		"by_category":     stats.ByCategory,
		"by_status":       stats.ByStatus,
		"avg_confidence":  stats.AvgConfidence,
		"avg_importance":  stats.AvgImportance,
		"total_entities":  stats.TotalEntities,
		"total_relations": stats.TotalRelations,
	})
}

func (h *KnowledgeHandler) GetTopEntities(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	entities, err := h.entities.TopEntities(c.Context(), ownerID, limit)
	if err != nil {
		logger.Error("Failed to list entities", zap.Error(err))
		return fail(c, err, "Failed to list entities")
	}

	items := make([]fiber.Map, 0, len(entities))
	for _, entity := range entities {
		items = append(items, fiber.Map{
			"id":               entity.ID,
			"name":             entity.Name,
			"normalized_name":  entity.NormalizedName,
			"entity_type":      entity.EntityType,
			"mention_count":    entity.MentionCount,
			"importance_score": entity.ImportanceScore,
			"aliases":          entity.Aliases,
		})
	}

	return c.JSON(fiber.Map{"entities": items})
}

func (h *KnowledgeHandler) MergeEntities(c *fiber.Ctx) error {
	var req struct {
		OwnerID  string `json:"owner_id"`
		TargetID string `json:"target_id"`
		SourceID string `json:"source_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	entity, err := h.entities.Merge(c.Context(), req.OwnerID, req.TargetID, req.SourceID)
	if err != nil {
		logger.Error("Failed to merge entities", zap.Error(err))
		return fail(c, err, "Failed to merge entities")
	}

	return c.JSON(fiber.Map{
		"id":            entity.ID,
		"name":          entity.Name,
		"mention_count": entity.MentionCount,
		"aliases":       entity.Aliases,
	})
}

// ReindexKnowledge rebuilds the vector mirror from the graph for one owner,
// used to recover from vector-store outages.
func (h *KnowledgeHandler) ReindexKnowledge(c *fiber.Ctx) error {
	var req struct {
		OwnerID string `json:"owner_id"`
		Limit   int    `json:"limit"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.OwnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id is required",
		})
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 500
	}

	nodes, err := h.repo.ListByOwner(c.Context(), req.OwnerID, req.Limit, 0)
	if err != nil {
		logger.Error("Failed to list knowledge for reindex", zap.Error(err))
		return fail(c, err, "Failed to list knowledge")
	}

	indexed, err := h.indexer.Reindex(c.Context(), nodes)
	if err != nil {
		logger.Error("Reindex failed", zap.Error(err))
		return fail(c, err, "Reindex failed")
	}

	return c.JSON(fiber.Map{
		"total":     len(nodes),
		"reindexed": indexed,
	})
}

func (h *KnowledgeHandler) RecalculateImportance(c *fiber.Ctx) error {
	var req struct {
		OwnerID string `json:"owner_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updated, err := h.entities.RecalculateImportance(c.Context(), req.OwnerID)
	if err != nil {
		logger.Error("Failed to recalculate importance", zap.Error(err))
		return fail(c, err, "Failed to recalculate importance")
	}

	return c.JSON(fiber.Map{"updated": updated})
}
