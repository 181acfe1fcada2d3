package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// AnonymousName is reported for tokens configured without a name.
const AnonymousName = "anonymous"

var (
	ErrNoTokens    = errors.New("no access tokens configured")
	ErrEmptySecret = errors.New("access token secret must not be empty")
)

// Token is a single configured credential.
type Token struct {
	Name   string
	Secret string
}

// TokenRegistry holds the set of accepted bearer tokens. It is immutable
// after construction and safe for concurrent use.
type TokenRegistry struct {
	tokens []Token
}

// NewTokenRegistry builds a registry from tokens. Unnamed tokens are
// reported as AnonymousName.
func NewTokenRegistry(tokens ...Token) (*TokenRegistry, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}

	registry := &TokenRegistry{tokens: make([]Token, 0, len(tokens))}
	for i, token := range tokens {
		if token.Secret == "" {
			return nil, fmt.Errorf("token %d: %w", i+1, ErrEmptySecret)
		}
		if token.Name == "" {
			token.Name = AnonymousName
		}
		registry.tokens = append(registry.tokens, token)
	}

	return registry, nil
}

// ParseTokens builds a registry from a comma-separated list of entries, each
// either "name:secret" or a bare "secret". Whitespace around entries, names
// and secrets is ignored. The secret is everything after the first colon.
func ParseTokens(config string) (*TokenRegistry, error) {
	if strings.TrimSpace(config) == "" {
		return nil, ErrNoTokens
	}

	var tokens []Token
	for i, entry := range strings.Split(config, ",") {
		entry = strings.TrimSpace(entry)

		var token Token
		if name, secret, ok := strings.Cut(entry, ":"); ok {
			token = Token{Name: strings.TrimSpace(name), Secret: strings.TrimSpace(secret)}
		} else {
			token = Token{Secret: entry}
		}

		if token.Secret == "" {
			return nil, fmt.Errorf("token entry %d: %w", i+1, ErrEmptySecret)
		}
		tokens = append(tokens, token)
	}

	return NewTokenRegistry(tokens...)
}

// Tokens returns a copy of the configured tokens.
func (r *TokenRegistry) Tokens() []Token {
	out := make([]Token, len(r.tokens))
	copy(out, r.tokens)
	return out
}

// Names returns the configured token names in configuration order.
func (r *TokenRegistry) Names() []string {
	names := make([]string, 0, len(r.tokens))
	for _, token := range r.tokens {
		names = append(names, token.Name)
	}
	return names
}

func (r *TokenRegistry) Len() int {
	return len(r.tokens)
}

// Lookup reports whether secret matches a configured token and, if so,
// returns its name. Every configured token is compared in constant time and
// the scan never stops early, so the time taken does not depend on which
// entry matched.
func (r *TokenRegistry) Lookup(secret string) (string, bool) {
	candidate := []byte(secret)

	match := -1
	for i, token := range r.tokens {
		eq := subtle.ConstantTimeCompare(candidate, []byte(token.Secret))
		match = subtle.ConstantTimeSelect(eq&subtle.ConstantTimeEq(int32(match), -1), i, match)
	}

	if match < 0 {
		return "", false
	}
	return r.tokens[match].Name, true
}
