// Package auth authenticates deploy API callers. Data-plane traffic is
// unauthenticated; only publish, unpublish and listing require an
// owner identity.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized means the request carried no valid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a request to an owner identity.
type Authenticator interface {
	Authenticate(r *http.Request) (owner string, err error)
}

// TokenAuthenticator maps static bearer tokens to owners, loaded from
// configuration at startup.
type TokenAuthenticator struct {
	tokens map[string]string // token -> owner
}

// NewTokenAuthenticator creates an authenticator over a token table.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	owned := make(map[string]string, len(tokens))
	for token, owner := range tokens {
		if token != "" && owner != "" {
			owned[token] = owner
		}
	}
	return &TokenAuthenticator{tokens: owned}
}

// Authenticate extracts the bearer token and returns its owner.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrUnauthorized
	}
	// Constant-time compare against each known token.
	for known, owner := range a.tokens {
		if len(known) == len(token) &&
			subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return owner, nil
		}
	}
	return "", ErrUnauthorized
}
