package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/workletforge/studio/internal/model"
)

// HealthHandler reports liveness of the API
type HealthHandler struct {
	redis   *redis.Client
	version string
}

func NewHealthHandler(redisClient *redis.Client, version string) *HealthHandler {
	return &HealthHandler{redis: redisClient, version: version}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	if h.redis != nil {
		if err := h.redis.Ping(c.UserContext()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(model.HealthResponse{Status: "degraded", Version: h.version})
		}
	}
	return c.JSON(model.HealthResponse{Status: "ok", Version: h.version})
}
