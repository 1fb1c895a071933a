package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]{1,64}$`)

type Config struct {
	MaxMessageLength int
	MaxDocumentSize  int
	Logger           *zap.Logger
}

// Middleware rejects malformed requests before they reach a handler:
// content type, owner id shape and payload size. Semantic validation stays
// in the domain layer.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 10000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 5 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPatch {
			contentType := c.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPatch {
			return c.Next()
		}
		if len(c.Body()) == 0 {
			return c.Next()
		}

		var req map[string]any
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if ownerID, ok := req["owner_id"].(string); ok && ownerID != "" {
			if !ownerIDPattern.MatchString(ownerID) {
				cfg.Logger.Warn("Rejected malformed owner id",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid owner_id format",
				})
			}
		}

		for _, field := range []string{"message", "query"} {
			if value, ok := req[field].(string); ok && len(value) > cfg.MaxMessageLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": field + " exceeds maximum length",
				})
			}
		}

		if content, ok := req["content"].(string); ok && len(content) > cfg.MaxDocumentSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Document content exceeds maximum size",
			})
		}

		return c.Next()
	}
}
