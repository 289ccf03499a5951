package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceIssuer marks HMAC tokens minted by this repository
const ServiceIssuer = "worklet-studio"

// ServiceClaims are carried by HMAC-signed service tokens
type ServiceClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ParseServiceToken checks the HS256 signature of token against secret
func ParseServiceToken(token, secret string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// MintServiceToken signs a token for userID valid for ttl. A zero ttl mints
// a token without expiry.
func MintServiceToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", jwt.ErrInvalidKey
	}
	now := time.Now()
	claims := ServiceClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   ServiceIssuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// SecretVerifier accepts service tokens signed with a shared secret
type SecretVerifier struct {
	secret string
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: secret}
}

func (v *SecretVerifier) Verify(token string) (Identity, error) {
	claims, err := ParseServiceToken(token, v.secret)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
