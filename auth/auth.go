// Package auth defines how the relay's HTTP surfaces authenticate callers.
//
// The relay's credential model is deliberately thin: bearer tokens are
// opaque strings minted by an external identity surface and tagged with a
// fixed prefix. The relay never validates them beyond the tag: a token is
// a session name, and "first writer wins" arbitration in the relay core is
// the only ownership check. The Authenticator interface keeps the HTTP
// handlers ignorant of that policy so a stricter verifier could be swapped
// in without touching transport code.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the principal. For the
	// relay this is the bearer token itself.
	UserID() string
}

// Authenticator validates bearer tokens and returns associated user info.
// It must return ErrUnauthorized (possibly wrapped) for invalid
// credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Redact returns a token rendered safe for logs: the first eight
// characters followed by an ellipsis.
func Redact(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:8] + "..."
}
