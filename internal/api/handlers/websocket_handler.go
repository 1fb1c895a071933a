package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/training"
	"github.com/dh-agent/backend/pkg/logger"
)

// WebSocketHandler streams training turns: a status frame, word-by-word
// chunks of the reply, then a completion frame with the turn outcome.
type WebSocketHandler struct {
	orchestrator *training.Orchestrator
}

func NewWebSocketHandler(orchestrator *training.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{orchestrator: orchestrator}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			OwnerID   string `json:"owner_id"`
			SessionID string `json:"session_id"`
			Content   string `json:"content"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "message" {
			continue
		}

		if err := h.streamTurn(c, msg.OwnerID, msg.SessionID, msg.Content); err != nil {
			logger.Error("Failed to stream turn", zap.Error(err))
			h.send(c, map[string]any{"type": "error", "error": "Failed to process message"})
		}
	}
}

func (h *WebSocketHandler) streamTurn(c *websocket.Conn, ownerID, sessionID, content string) error {
	if err := h.send(c, map[string]any{"type": "status", "content": "thinking"}); err != nil {
		return err
	}

	result, err := h.orchestrator.ProcessMessage(context.Background(), training.TurnInput{
		OwnerID:   ownerID,
		SessionID: sessionID,
		Message:   content,
	})
	if err != nil {
		return err
	}

	for _, word := range strings.Fields(result.Response) {
		if err := h.send(c, map[string]any{"type": "chunk", "content": word + " "}); err != nil {
			return err
		}
	}

	return h.send(c, map[string]any{
		"type":           "complete",
		"intent":         result.Intent,
		"stored_count":   result.StoredCount,
		"contradictions": result.Contradictions,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg map[string]any) error {
	return c.WriteJSON(msg)
}
