package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	BearerPrefix = "Bearer "
)

type BearerAuthEngine struct {
	Registry *TokenRegistry
}

// NewBearerAuthEngine creates a new BearerAuthEngine accepting the tokens in
// registry.
func NewBearerAuthEngine(registry *TokenRegistry) *BearerAuthEngine {
	return &BearerAuthEngine{
		Registry: registry,
	}
}

// AuthenticateRequest checks the Authorization header for a bearer token
// known to the registry. It returns a User object if the token is valid, nil
// otherwise. The scheme must be exactly "Bearer ".
func (e *BearerAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, BearerPrefix)
	if !ok || token == "" {
		return nil, nil
	}

	name, ok := e.Registry.Lookup(token)
	if !ok {
		return nil, nil
	}

	return &User{
		Name: name,
	}, nil
}
