package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/events"
	"github.com/midos-dev/knowledge-gateway/pkg/logger"
)

// EventsHandler streams gateway events (rate-limit denials, breaker
// transitions, degradations, cache activity) over a websocket for operator
// tooling.
type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

func (h *EventsHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Event stream connection established")

	ch, cancel := h.hub.Subscribe()
	defer func() {
		cancel()
		c.Close()
		logger.Info("Event stream connection closed")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				logger.Warn("Failed to write event to stream", zap.Error(err))
				return
			}
		}
	}
}
