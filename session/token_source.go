package session

import (
	"context"

	"github.com/jrsteele09/go-chat-session/internal/errors"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts VerifiedAccessToken to oauth2.TokenSource. Every call
// consults the session, so wrapping it in a caching source would defeat the
// refresh logic.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, m: m}
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	access, ok := ts.m.VerifiedAccessToken(ts.ctx)
	if !ok {
		return nil, errors.ErrNotLoggedIn
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if record, ok := ts.m.store.Get(); ok && record.AccessToken == access {
		tok.Expiry = record.ExpiresAt
	}
	return tok, nil
}
