package handler

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	ws "github.com/workletforge/studio/internal/websocket"
)

// EventsHandler serves the realtime event channel
type EventsHandler struct {
	hub    *ws.Hub
	broker *ws.ApprovalBroker
	log    *zap.Logger
}

func NewEventsHandler(hub *ws.Hub, broker *ws.ApprovalBroker, log *zap.Logger) *EventsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventsHandler{hub: hub, broker: broker, log: log.Named("events")}
}

// RequireUpgrade rejects plain HTTP requests on websocket routes
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Connect handles GET /ws/events. The connection joins the topic of the
// authenticated user; inbound approval responses are handed to the broker.
func (h *EventsHandler) Connect() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userId").(string)
		h.log.Debug("event channel opened", zap.String("user_id", userID))

		h.hub.HandleConnection(c, userID, func(_ *ws.Client, data []byte) {
			if err := h.broker.Route(context.Background(), data); err != nil {
				h.log.Warn("dropping inbound frame", zap.String("user_id", userID), zap.Error(err))
			}
		})
	})
}
