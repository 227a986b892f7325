package auth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/koord/internal/auth"
	"github.com/gosuda/koord/internal/domain"
)

const testSecret = "test-secret-key-very-long-and-secure"

func TestAccessToken_IssueAndParseRoundTrip(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()

	token, err := auth.IssueAccessToken(testSecret, sessionID, "assistant-x", 5*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.ParseAccessToken(testSecret, token, 0)
	require.NoError(t, err)
	require.NotNil(t, claims)

	assert.Equal(t, sessionID.String(), claims.SessionID)
	assert.Equal(t, "assistant-x", claims.AssistantKind)
	assert.Equal(t, "koord", claims.Issuer)
	assert.NotNil(t, claims.IssuedAt)
	assert.NotNil(t, claims.ExpiresAt)
}

func TestAccessToken_ExpiredRejected(t *testing.T) {
	t.Parallel()

	// Issue a token that has already expired (negative TTL).
	token, err := auth.IssueAccessToken(testSecret, uuid.New(), "assistant-x", -time.Minute)
	require.NoError(t, err)

	claims, err := auth.ParseAccessToken(testSecret, token, 0)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestAccessToken_LeewayAbsorbsClockSkew(t *testing.T) {
	t.Parallel()

	// Expired two seconds ago; a 5s leeway must still accept it.
	token, err := auth.IssueAccessToken(testSecret, uuid.New(), "assistant-x", -2*time.Second)
	require.NoError(t, err)

	claims, err := auth.ParseAccessToken(testSecret, token, 5*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, claims)
}

func TestAccessToken_InvalidSecretRejected(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueAccessToken(testSecret, uuid.New(), "assistant-x", 5*time.Minute)
	require.NoError(t, err)

	claims, err := auth.ParseAccessToken("a-completely-different-signing-key!!", token, 0)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	assert.NotErrorIs(t, err, domain.ErrTokenExpired)
}

func TestAccessToken_MalformedRejected(t *testing.T) {
	t.Parallel()

	claims, err := auth.ParseAccessToken(testSecret, "not.a.valid.jwt.token", 0)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}
