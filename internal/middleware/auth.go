package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/workletforge/studio/internal/auth"
	"github.com/workletforge/studio/pkg/response"
)

// AuthMiddleware resolves bearer tokens to an identity
type AuthMiddleware struct {
	verifier auth.Verifier
}

// NewAuthMiddleware accepts tokens of the OIDC provider first and, when a
// secret is configured, HMAC service tokens. Either argument may be empty.
func NewAuthMiddleware(oidc auth.Verifier, jwtSecret string) *AuthMiddleware {
	var chain auth.Chain
	if oidc != nil {
		chain = append(chain, oidc)
	}
	if jwtSecret != "" {
		chain = append(chain, auth.NewSecretVerifier(jwtSecret))
	}
	return &AuthMiddleware{verifier: chain}
}

var (
	errMissingHeader = errors.New("missing authorization header")
	errHeaderFormat  = errors.New("invalid authorization header format")
	errInvalidToken  = errors.New("invalid or expired token")
	errNotConfigured = errors.New("authentication not configured")
)

// Identify resolves an Authorization header value
func (m *AuthMiddleware) Identify(authHeader string) (auth.Identity, error) {
	if authHeader == "" {
		return auth.Identity{}, errMissingHeader
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return auth.Identity{}, errHeaderFormat
	}

	id, err := m.verifier.Verify(token)
	switch {
	case errors.Is(err, auth.ErrNoVerifier):
		return auth.Identity{}, errNotConfigured
	case err != nil:
		return auth.Identity{}, errInvalidToken
	}
	return id, nil
}

// Authenticate validates the bearer token of the request
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := m.Identify(c.Get("Authorization"))
		if err != nil {
			return response.Unauthorized(c, err.Error())
		}
		setIdentity(c, id)
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts the authenticated user id
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts the authenticated user email
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
