package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/ingestion"
	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{processor: processor}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		OwnerID     string `json:"owner_id"`
		Name        string `json:"name"`
		Content     string `json:"content"`
		ContentType string `json:"content_type"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.OwnerID == "" || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id and content are required",
		})
	}

	var result *ingestion.IngestResult
	var err error
	if req.ContentType == "html" {
		result, err = h.processor.IngestHTML(c.Context(), req.OwnerID, req.Name, req.Content)
	} else {
		result, err = h.processor.IngestText(c.Context(), req.OwnerID, req.Name, req.Content)
	}
	if err != nil {
		logger.Error("Failed to ingest document", zap.Error(err))
		return fail(c, err, "Failed to ingest document")
	}

	metrics.DocumentsIngested.Inc()

	return c.JSON(fiber.Map{
		"chunks":         result.Chunks,
		"stored":         result.Stored,
		"skipped":        result.Skipped,
		"contradictions": result.Contradictions,
		"failed_chunks":  result.FailedChunks,
	})
}
