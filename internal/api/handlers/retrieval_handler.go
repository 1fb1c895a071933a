package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/internal/retrieval"
	"github.com/dh-agent/backend/pkg/logger"
)

type RetrievalHandler struct {
	retriever *retrieval.Retriever
}

func NewRetrievalHandler(retriever *retrieval.Retriever) *RetrievalHandler {
	return &RetrievalHandler{retriever: retriever}
}

func (h *RetrievalHandler) HandleRetrieve(c *fiber.Ctx) error {
	var req struct {
		OwnerID string `json:"owner_id"`
		Query   string `json:"query"`
		Limit   int    `json:"limit"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	start := time.Now()
	results, err := h.retriever.Retrieve(c.Context(), retrieval.Query{
		OwnerID: req.OwnerID,
		Text:    req.Query,
		Limit:   req.Limit,
	})
	if err != nil {
		logger.Error("Retrieval failed", zap.Error(err))
		metrics.RetrievalDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return fail(c, err, "Failed to retrieve knowledge")
	}

	metrics.RetrievalDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	metrics.RetrievalResultsCount.Observe(float64(len(results)))

	items := make([]fiber.Map, 0, len(results))
	for _, res := range results {
		items = append(items, fiber.Map{
			"id":         res.Node.ID,
			"content":    res.Node.Content,
			"summary":    res.Node.Summary,
			"category":   res.Node.Category,
			"confidence": res.Node.Confidence,
			"importance": res.Node.Importance,
			"status":     res.Node.ValidationStatus,
			"learned_at": res.Node.LearnedAt.UnixMilli(),
			"score":      res.Score,
			"signals": fiber.Map{
				"vector":    res.Signals.Vector,
				"entity":    res.Signals.Entity,
				"expansion": res.Signals.Expansion,
				"hops":      res.Signals.Hops,
			},
		})
	}

	return c.JSON(fiber.Map{
		"results":    items,
		"count":      len(items),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
