package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/dh-agent/backend/pkg/errs"
)

// fail maps domain errors onto HTTP status codes. Internal detail stays in
// the logs, not the response.
func fail(c *fiber.Ctx, err error, publicMsg string) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		status = fiber.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, errs.ErrGraphStoreUnavailable),
		errors.Is(err, errs.ErrVectorStoreUnavailable),
		errors.Is(err, errs.ErrEmbeddingUnavailable):
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"error": publicMsg,
	})
}
