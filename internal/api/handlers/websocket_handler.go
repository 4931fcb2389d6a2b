package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/middleware/validation"
	"github.com/hotelrag/backend/internal/qa"
	"github.com/hotelrag/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine      Asker
	maxQuestion int
}

// NewWebSocketHandler answers over websocket. Questions pass the same
// validation.Check as POST /ask; maxQuestion <= 0 uses its default.
func NewWebSocketHandler(engine Asker, maxQuestion int) *WebSocketHandler {
	return &WebSocketHandler{
		engine:      engine,
		maxQuestion: maxQuestion,
	}
}

type wsRequest struct {
	Type        string `json:"type"`
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth"`
}

type wsMessage struct {
	Type         string   `json:"type"`
	Content      string   `json:"content,omitempty"`
	Error        string   `json:"error,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
	Faithfulness *float64 `json:"faithfullness,omitempty"`
	ResponseTime float64  `json:"response_time,omitempty"`
	Cached       bool     `json:"cached,omitempty"`
}

// HandleConnection answers "ask" messages on one connection until the
// client goes away. Answers are sent word by word, then a "complete"
// message carries the score and timing.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "ask" {
			continue
		}

		if err := h.streamAnswer(c, msg); err != nil {
			logger.Warn("Failed to stream answer", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, msg wsRequest) error {
	if err := c.WriteJSON(wsMessage{Type: "status", Content: "Processing question..."}); err != nil {
		return err
	}

	req, err := h.askRequest(msg)
	if err != nil {
		return c.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
	}

	resp, err := h.engine.Ask(context.Background(), req)
	if err != nil {
		logger.Error("WebSocket ask failed", zap.String("question", msg.Question), zap.Error(err))
		_, retryable := statusFor(err)
		return c.WriteJSON(wsMessage{Type: "error", Error: err.Error(), Retryable: retryable})
	}

	words := splitIntoWords(resp.GeneratedAnswer)
	for i, word := range words {
		if i < len(words)-1 && word != "\n" {
			word += " "
		}
		if err := c.WriteJSON(wsMessage{Type: "chunk", Content: word}); err != nil {
			return err
		}
	}

	return c.WriteJSON(wsMessage{
		Type:         "complete",
		Faithfulness: resp.Faithfulness,
		ResponseTime: resp.ResponseTime,
		Cached:       resp.Cached,
	})
}

func (h *WebSocketHandler) askRequest(msg wsRequest) (qa.AskRequest, error) {
	in, err := validation.Check(validation.AskInput{
		Question:  msg.Question,
		Reference: msg.GroundTruth,
	}, h.maxQuestion)
	if err != nil {
		return qa.AskRequest{}, err
	}
	return qa.AskRequest{Question: in.Question, Reference: in.Reference}, nil
}

// splitIntoWords splits on spaces, keeping line breaks as their own words.
func splitIntoWords(text string) []string {
	var words []string
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
