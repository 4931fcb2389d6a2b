package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/middleware/validation"
	"github.com/hotelrag/backend/internal/qa"
	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/logger"
)

type Asker interface {
	Ask(ctx context.Context, req qa.AskRequest) (*qa.AskResponse, error)
	History(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type AskHandler struct {
	engine Asker
}

func NewAskHandler(engine Asker) *AskHandler {
	return &AskHandler{
		engine: engine,
	}
}

func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	in, ok := c.Locals(validation.AskInputKey).(validation.AskInput)
	if !ok {
		var err error
		in, err = validation.ReadAsk(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	resp, err := h.engine.Ask(c.UserContext(), qa.AskRequest{
		Question:  in.Question,
		Reference: in.Reference,
	})
	if err != nil {
		logger.Error("Failed to answer question", zap.String("question", in.Question), zap.Error(err))
		return errorJSON(c, err)
	}

	return c.JSON(resp)
}

type historyEntry struct {
	ID                string   `json:"id"`
	Question          string   `json:"question"`
	GeneratedAnswer   string   `json:"generated_answer"`
	FaithfulnessScore *float64 `json:"faithfulness_score"`
	LatencyMS         int      `json:"latency_ms"`
	CreatedAt         int64    `json:"created_at"`
}

func (h *AskHandler) GetHistory(c *fiber.Ctx) error {
	records, err := h.engine.History(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("Failed to read query history", zap.Error(err))
		return errorJSON(c, err)
	}

	history := make([]historyEntry, len(records))
	for i, r := range records {
		history[i] = historyEntry{
			ID:                r.ID,
			Question:          r.UserQuery,
			GeneratedAnswer:   r.GeneratedResponse,
			FaithfulnessScore: r.FaithfulnessScore,
			LatencyMS:         r.LatencyMS,
			CreatedAt:         r.CreatedAt.Unix(),
		}
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}
