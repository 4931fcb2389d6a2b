package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/qa"
	"github.com/hotelrag/backend/pkg/logger"
)

type IndexBuilder interface {
	BuildIndex(ctx context.Context, reset bool) (*qa.IndexResult, error)
}

type IndexHandler struct {
	builder IndexBuilder
}

func NewIndexHandler(builder IndexBuilder) *IndexHandler {
	return &IndexHandler{
		builder: builder,
	}
}

// BuildIndex serves POST /admin/index. ?reset=true re-reads the documents
// before populating.
func (h *IndexHandler) BuildIndex(c *fiber.Ctx) error {
	reset := c.QueryBool("reset", false)

	result, err := h.builder.BuildIndex(c.UserContext(), reset)
	if err != nil {
		logger.Error("Failed to build knowledge index", zap.Bool("reset", reset), zap.Error(err))
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"message":  "Knowledge index ready",
		"passages": result.Passages,
		"inserted": result.Inserted,
	})
}
