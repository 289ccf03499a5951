package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/workletforge/studio/internal/middleware"
)

// AuthHandler answers forward-auth checks of a gateway
type AuthHandler struct {
	auth *middleware.AuthMiddleware
}

func NewAuthHandler(auth *middleware.AuthMiddleware) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Verify handles GET /auth/verify. A valid token answers 200 with the
// X-User-* headers the gateway forwards upstream; anything else is 401.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.auth.Identify(c.Get("Authorization"))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	c.Set(middleware.HeaderUserID, id.UserID)
	c.Set(middleware.HeaderUserEmail, id.Email)
	if id.Name != "" {
		c.Set(middleware.HeaderUserName, id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
