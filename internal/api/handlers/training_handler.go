package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/internal/storage/sqlite"
	"github.com/dh-agent/backend/internal/training"
	"github.com/dh-agent/backend/pkg/logger"
)

type TrainingHandler struct {
	orchestrator *training.Orchestrator
	store        *sqlite.Client
}

func NewTrainingHandler(orchestrator *training.Orchestrator, store *sqlite.Client) *TrainingHandler {
	return &TrainingHandler{
		orchestrator: orchestrator,
		store:        store,
	}
}

func (h *TrainingHandler) HandleMessage(c *fiber.Ctx) error {
	var req struct {
		OwnerID   string `json:"owner_id"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.OwnerID == "" || req.SessionID == "" || req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id, session_id and message are required",
		})
	}

	start := time.Now()
	result, err := h.orchestrator.ProcessMessage(c.Context(), training.TurnInput{
		OwnerID:   req.OwnerID,
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		logger.Error("Failed to process training message", zap.Error(err))
		metrics.TurnDuration.WithLabelValues("unknown", string(training.StateError)).Observe(time.Since(start).Seconds())
		return fail(c, err, "Failed to process message")
	}
	metrics.TurnDuration.WithLabelValues(result.Intent, string(result.State)).Observe(time.Since(start).Seconds())

	return c.JSON(fiber.Map{
		"response":       result.Response,
		"intent":         result.Intent,
		"stored_count":   result.StoredCount,
		"contradictions": result.Contradictions,
	})
}

func (h *TrainingHandler) GetHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if limit > 200 {
		limit = 200
	}

	messages, err := h.store.SessionHistory(c.Context(), sessionID, offset, limit)
	if err != nil {
		logger.Error("Failed to load session history", zap.Error(err))
		return fail(c, err, "Failed to load history")
	}

	items := make([]fiber.Map, 0, len(messages))
	for _, msg := range messages {
		items = append(items, fiber.Map{
			"id":         msg.ID,
			"role":       msg.Role,
			"content":    msg.Content,
			"intent":     msg.Intent,
			"created_at": msg.CreatedAt.UnixMilli(),
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"messages":   items,
	})
}
