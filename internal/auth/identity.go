// Package auth verifies the bearer tokens presented to the worklet API
package auth

import (
	"errors"
)

var (
	ErrInvalidAudience = errors.New("invalid audience")
	ErrNoVerifier      = errors.New("no token verifier configured")
)

// Identity is the caller a token speaks for
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Verifier turns a raw bearer token into an identity
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Chain tries each verifier in order. The last failure is returned when
// none accepts the token.
type Chain []Verifier

func (c Chain) Verify(token string) (Identity, error) {
	err := ErrNoVerifier
	for _, v := range c {
		if v == nil {
			continue
		}
		var id Identity
		if id, err = v.Verify(token); err == nil {
			return id, nil
		}
	}
	return Identity{}, err
}
