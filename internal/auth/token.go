package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gosuda/koord/internal/domain"
)

// Claims holds the access-token payload. Capabilities are not embedded:
// the session registry is authoritative for them, so a revoked session
// fails verification even while its token is cryptographically valid.
type Claims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"sid"`
	AssistantKind string `json:"kind"`
}

const tokenIssuer = "koord"

// IssueAccessToken creates a signed HS256 access token for a session.
func IssueAccessToken(secret string, sessionID uuid.UUID, assistantKind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		SessionID:     sessionID.String(),
		AssistantKind: assistantKind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueAccessToken: %w", err)
	}

	return signed, nil
}

// ParseAccessToken validates a token signature and expiry (with the given
// clock-skew leeway) and returns the embedded claims. Expiry is reported
// as domain.ErrTokenExpired, every other defect as domain.ErrTokenInvalid.
// Purely local: no store round-trip, O(1) per call.
func ParseAccessToken(secret, tokenString string, leeway time.Duration) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth.ParseAccessToken: %w", domain.ErrTokenExpired)
		}
		return nil, fmt.Errorf("auth.ParseAccessToken: %w", domain.ErrTokenInvalid)
	}

	if !token.Valid {
		return nil, fmt.Errorf("auth.ParseAccessToken: %w", domain.ErrTokenInvalid)
	}

	return claims, nil
}
