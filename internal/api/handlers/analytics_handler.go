package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/analytics"
	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/pkg/logger"
)

type ReportExecutor interface {
	Execute(ctx context.Context, group *analytics.Group, cache *analytics.Cache) (analytics.Results, error)
}

type AnalyticsHandler struct {
	registry *analytics.Registry
	executor ReportExecutor
}

func NewAnalyticsHandler(registry *analytics.Registry, executor ReportExecutor) *AnalyticsHandler {
	return &AnalyticsHandler{
		registry: registry,
		executor: executor,
	}
}

// HandleGroup serves POST /analytics/:group. Failing reports are reported
// inside the 200 body; only an unreadable watermark fails the request.
func (h *AnalyticsHandler) HandleGroup(c *fiber.Ctx) error {
	name := c.Params("group")

	group, cache, ok := h.registry.Lookup(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "unknown report group",
			"groups": h.registry.Names(),
		})
	}

	start := time.Now()
	results, err := h.executor.Execute(c.UserContext(), group, cache)
	metrics.AnalyticsDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("Analytics request failed", zap.String("group", name), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     err.Error(),
			"retryable": true,
		})
	}

	return c.JSON(results)
}

// ListGroups serves GET /analytics.
func (h *AnalyticsHandler) ListGroups(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"groups": h.registry.Names(),
	})
}
