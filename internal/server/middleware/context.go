package middleware

import (
	"context"

	"github.com/gosuda/koord/internal/domain"
)

type contextKey string

const (
	// ContextKeySession carries the verified *domain.Session.
	ContextKeySession contextKey = "session"
	// ContextKeyAccessToken carries the raw bearer token; the dispatcher
	// re-verifies it as pipeline step one.
	ContextKeyAccessToken contextKey = "access_token"
)

// SessionFromContext retrieves the verified session from the request
// context.
func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(ContextKeySession).(*domain.Session)
	return s, ok
}

// AccessTokenFromContext retrieves the raw bearer token from the request
// context.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(ContextKeyAccessToken).(string)
	return t, ok
}
