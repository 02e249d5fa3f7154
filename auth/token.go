package auth

import (
	"context"
	"fmt"
	"strings"
)

// TokenAuthenticator accepts any bearer token carrying the expected prefix
// tag. The token doubles as the principal identity.
type TokenAuthenticator struct {
	// Prefix is the required token tag, e.g. "xnt_".
	Prefix string
}

var _ Authenticator = (*TokenAuthenticator)(nil)

type tokenUser string

func (u tokenUser) UserID() string { return string(u) }

func (a *TokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if a.Prefix != "" && !strings.HasPrefix(tok, a.Prefix) {
		return nil, fmt.Errorf("token missing %q prefix: %w", a.Prefix, ErrUnauthorized)
	}
	return tokenUser(tok), nil
}
