package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/workletforge/studio/internal/auth"
	"github.com/workletforge/studio/pkg/response"
)

// Identity headers set by a forward-auth gateway in front of the server
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// GatewayIdentity trusts the identity headers of an upstream gateway instead
// of verifying tokens itself. Only mount it behind a gateway that strips
// client-supplied X-User-* headers.
func GatewayIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		setIdentity(c, auth.Identity{
			UserID: userID,
			Email:  c.Get(HeaderUserEmail),
			Name:   c.Get(HeaderUserName),
		})
		return c.Next()
	}
}
