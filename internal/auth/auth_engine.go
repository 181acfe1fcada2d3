package auth

import (
	"context"
	"net/http"
)

// User identifies the credential that authenticated a request. Name is the
// configured token name, or AnonymousName for unnamed tokens.
type User struct {
	Name string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object; otherwise, it
	// returns nil. An error is returned if there was an issue processing
	// the authentication.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type userContextKey struct{}

// ContextWithUser returns a copy of ctx carrying user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user stored in ctx, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*User)
	return user, ok && user != nil
}
