package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gosuda/koord/internal/domain"
)

// SessionVerifier resolves a bearer token to its live session. Satisfied
// by *auth.Manager.
type SessionVerifier interface {
	VerifyAccess(token string) (*domain.Session, error)
}

// Auth verifies the bearer access token on every request and stores the
// session and raw token on the context. The check is purely local
// (signature + expiry + session table lookup), so it is safe on every
// inbound tool call.
func Auth(verifier SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				writeUnauthorized(w, string(domain.KindTokenInvalid))
				return
			}

			session, err := verifier.VerifyAccess(token)
			if err != nil {
				kind := domain.KindTokenInvalid
				if errors.Is(err, domain.ErrTokenExpired) {
					kind = domain.KindTokenExpired
				}
				writeUnauthorized(w, string(kind))
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySession, session)
			ctx = context.WithValue(ctx, ContextKeyAccessToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"title":"Unauthorized","status":401,"error_kind":"` + kind + `"}`))
}
