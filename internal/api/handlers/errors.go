package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/hotelrag/backend/internal/evaluation"
	"github.com/hotelrag/backend/internal/extraction"
	"github.com/hotelrag/backend/internal/knowledge"
	"github.com/hotelrag/backend/internal/qa"
)

// statusFor maps a pipeline error to an HTTP status and whether retrying
// the same request may succeed.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, true
	case errors.Is(err, qa.ErrEmptyQuestion):
		return fiber.StatusBadRequest, false
	case errors.Is(err, knowledge.ErrIndexUnavailable):
		return fiber.StatusServiceUnavailable, true
	case errors.Is(err, qa.ErrCacheUnavailable):
		return fiber.StatusServiceUnavailable, true
	case errors.Is(err, evaluation.ErrEvaluation):
		return fiber.StatusBadGateway, false
	case errors.Is(err, extraction.ErrExtraction):
		return fiber.StatusInternalServerError, false
	default:
		return fiber.StatusInternalServerError, false
	}
}

func errorJSON(c *fiber.Ctx, err error) error {
	status, retryable := statusFor(err)
	return c.Status(status).JSON(fiber.Map{
		"error":     err.Error(),
		"retryable": retryable,
	})
}
