package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/workletforge/studio/internal/config"
)

const discoveryTimeout = 30 * time.Second

// oidcClaims are the provider claims the studio reads
type oidcClaims struct {
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

func (c *oidcClaims) identity() Identity {
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	return Identity{UserID: c.Subject, Email: c.Email, Name: name}
}

// OIDCVerifier checks provider-issued tokens against the issuer's
// published key set
type OIDCVerifier struct {
	keys     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewOIDCVerifier resolves the issuer's jwks_uri and keeps the key set
// refreshed until ctx ends.
func NewOIDCVerifier(ctx context.Context, cfg *config.OIDCConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	lookupCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	jwksURI, err := lookupJWKSURI(lookupCtx, issuer)
	if err != nil {
		return nil, err
	}

	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("load key set %s: %w", jwksURI, err)
	}
	return &OIDCVerifier{keys: keys, issuer: issuer, audience: cfg.ClientID}, nil
}

// lookupJWKSURI reads the OIDC discovery document of issuer
func lookupJWKSURI(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery: no jwks_uri")
	}
	if doc.Issuer != "" && strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("oidc discovery: issuer mismatch %q", doc.Issuer)
	}
	return doc.JWKSURI, nil
}

// Verify requires a known signing key, the configured issuer, an expiry and,
// when a client id is set, that client among the audiences.
func (v *OIDCVerifier) Verify(token string) (Identity, error) {
	claims := &oidcClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keys.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("oidc token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, jwt.ErrTokenInvalidClaims
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return Identity{}, ErrInvalidAudience
	}
	return claims.identity(), nil
}
