package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/domain"
)

// assistantProfile is the configured identity for one assistant kind.
type assistantProfile struct {
	credentialHash string
	capabilities   map[domain.Capability]struct{}
}

// Handshake is the result of a successful Authenticate call.
type Handshake struct {
	Session      *domain.Session
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager issues and verifies sessions for adapter connections. Sessions
// live in memory: the broker is a single-region, single-process deployment
// and sessions are short-lived by design.
type Manager struct {
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration

	assistants map[string]assistantProfile

	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
	// byRefresh indexes sessions by the hash of their currently valid
	// refresh token. retired holds hashes already exchanged once; a
	// presentation against retired is treated as token theft.
	byRefresh map[string]uuid.UUID
	retired   map[string]uuid.UUID

	revokeHooks []func(uuid.UUID)
}

// NewManager creates a session manager from token settings and the
// configured assistant allow-list.
func NewManager(token config.TokenConfig, assistants []config.AssistantConfig) *Manager {
	profiles := make(map[string]assistantProfile, len(assistants))
	for _, a := range assistants {
		caps := make(map[domain.Capability]struct{}, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[domain.Capability(c)] = struct{}{}
		}
		profiles[a.Kind] = assistantProfile{
			credentialHash: a.CredentialHash,
			capabilities:   caps,
		}
	}

	return &Manager{
		secret:     token.Secret,
		accessTTL:  token.AccessTTL,
		refreshTTL: token.RefreshTTL,
		leeway:     token.Leeway,
		assistants: profiles,
		sessions:   make(map[uuid.UUID]*domain.Session),
		byRefresh:  make(map[string]uuid.UUID),
		retired:    make(map[string]uuid.UUID),
	}
}

// OnRevoke registers a hook fired whenever a session leaves the active
// state (revocation or expiry sweep). The server uses this to close the
// session's event subscription. Must be called before serving traffic.
func (m *Manager) OnRevoke(hook func(uuid.UUID)) {
	m.revokeHooks = append(m.revokeHooks, hook)
}

// Authenticate verifies an assistant credential and opens a session.
// requestedCaps narrows the configured allow-list; an empty request grants
// the full allow-list. Requesting anything outside the allow-list fails
// with domain.ErrCapabilityDenied — the capability set is fixed here and
// never widened for the life of the session.
func (m *Manager) Authenticate(assistantKind, credential string, requestedCaps []string) (*Handshake, error) {
	profile, ok := m.assistants[assistantKind]
	if !ok {
		// Burn a verification anyway so unknown kinds cost the same as
		// bad credentials.
		VerifyCredential(credential, "00$00")
		return nil, fmt.Errorf("auth.Authenticate: %w", domain.ErrInvalidCredential)
	}

	if !VerifyCredential(credential, profile.credentialHash) {
		return nil, fmt.Errorf("auth.Authenticate: %w", domain.ErrInvalidCredential)
	}

	caps := make(map[domain.Capability]struct{}, len(profile.capabilities))
	if len(requestedCaps) == 0 {
		for c := range profile.capabilities {
			caps[c] = struct{}{}
		}
	} else {
		for _, rc := range requestedCaps {
			c := domain.Capability(rc)
			if _, allowed := profile.capabilities[c]; !allowed {
				return nil, fmt.Errorf("auth.Authenticate: capability %q: %w", rc, domain.ErrCapabilityDenied)
			}
			caps[c] = struct{}{}
		}
	}

	refreshToken, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth.Authenticate: %w", err)
	}

	now := time.Now()
	session := &domain.Session{
		ID:            uuid.New(),
		AssistantKind: assistantKind,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.refreshTTL),
		Capabilities:  caps,
		State:         domain.SessionActive,
		RefreshHash:   refreshHash,
	}

	accessToken, err := IssueAccessToken(m.secret, session.ID, assistantKind, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("auth.Authenticate: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	// Snapshot before releasing the lock; see VerifyAccess.
	snapshot := *session
	m.byRefresh[refreshHash] = session.ID
	m.mu.Unlock()

	log.Info().
		Str("session_id", snapshot.ID.String()).
		Str("assistant_kind", assistantKind).
		Int("capabilities", len(caps)).
		Msg("session opened")

	return &Handshake{
		Session:      &snapshot,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(m.accessTTL),
	}, nil
}

// VerifyAccess validates an access token and resolves its live session.
// Called on every inbound tool call; the whole check is a local signature
// and map lookup.
func (m *Manager) VerifyAccess(tokenString string) (*domain.Session, error) {
	claims, err := ParseAccessToken(m.secret, tokenString, m.leeway)
	if err != nil {
		return nil, fmt.Errorf("auth.VerifyAccess: %w", err)
	}

	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("auth.VerifyAccess: %w", domain.ErrTokenInvalid)
	}

	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	if !ok || session.State == domain.SessionRevoked {
		m.mu.RUnlock()
		return nil, fmt.Errorf("auth.VerifyAccess: %w", domain.ErrTokenInvalid)
	}
	if time.Now().After(session.ExpiresAt.Add(m.leeway)) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("auth.VerifyAccess: %w", domain.ErrTokenExpired)
	}
	// Hand out a detached copy: State, ExpiresAt and RefreshHash are
	// written under m.mu by rotation, revocation and the sweep, while
	// callers read the session without holding it. The capability map is
	// immutable after issuance, so sharing it is safe.
	snapshot := *session
	m.mu.RUnlock()

	return &snapshot, nil
}

// Refresh exchanges a refresh token for a new access + refresh pair.
// Refresh tokens are single-use: the presented token is retired and a
// replacement issued. Presenting an already-exchanged token revokes the
// whole session — the legitimate holder and the thief both lose, which
// surfaces the theft instead of letting it ride.
func (m *Manager) Refresh(refreshToken string) (*Handshake, error) {
	hash := hashToken(refreshToken)

	m.mu.Lock()

	if sessionID, stolen := m.retired[hash]; stolen {
		m.revokeLocked(sessionID)
		m.mu.Unlock()
		m.fireRevokeHooks(sessionID)
		log.Warn().Str("session_id", sessionID.String()).Msg("retired refresh token reused; session revoked")
		return nil, fmt.Errorf("auth.Refresh: reuse detected: %w", domain.ErrRefreshRevoked)
	}

	sessionID, ok := m.byRefresh[hash]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("auth.Refresh: %w", domain.ErrRefreshRevoked)
	}

	session := m.sessions[sessionID]
	if session == nil || session.State != domain.SessionActive || time.Now().After(session.ExpiresAt) {
		m.mu.Unlock()
		return nil, fmt.Errorf("auth.Refresh: %w", domain.ErrRefreshRevoked)
	}

	newToken, newHash, err := newRefreshToken()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("auth.Refresh: %w", err)
	}

	// Rotate: the old hash moves to the retired set, the session is
	// re-keyed under the new hash.
	delete(m.byRefresh, hash)
	m.retired[hash] = sessionID
	m.byRefresh[newHash] = sessionID
	session.RefreshHash = newHash
	// Snapshot before releasing the lock; see VerifyAccess.
	snapshot := *session

	m.mu.Unlock()

	accessToken, err := IssueAccessToken(m.secret, sessionID, snapshot.AssistantKind, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("auth.Refresh: %w", err)
	}

	return &Handshake{
		Session:      &snapshot,
		AccessToken:  accessToken,
		RefreshToken: newToken,
		ExpiresAt:    time.Now().Add(m.accessTTL),
	}, nil
}

// Revoke terminates a session. Idempotent: revoking an unknown or already
// revoked session is a no-op.
func (m *Manager) Revoke(sessionID uuid.UUID) {
	m.mu.Lock()
	revoked := m.revokeLocked(sessionID)
	m.mu.Unlock()

	if revoked {
		m.fireRevokeHooks(sessionID)
		log.Info().Str("session_id", sessionID.String()).Msg("session revoked")
	}
}

// revokeLocked transitions a session to revoked and drops its refresh
// indexes. Caller holds m.mu. Returns false if there was nothing to do.
func (m *Manager) revokeLocked(sessionID uuid.UUID) bool {
	session, ok := m.sessions[sessionID]
	if !ok || session.State == domain.SessionRevoked {
		return false
	}
	session.State = domain.SessionRevoked
	delete(m.byRefresh, session.RefreshHash)
	for h, id := range m.retired {
		if id == sessionID {
			delete(m.retired, h)
		}
	}
	return true
}

func (m *Manager) fireRevokeHooks(sessionID uuid.UUID) {
	for _, hook := range m.revokeHooks {
		hook(sessionID)
	}
}

// SessionCount returns the number of live sessions, for the health probe.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, s := range m.sessions {
		if s.State == domain.SessionActive && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Sweep runs until ctx is cancelled, periodically expiring sessions whose
// refresh window has passed and dropping revoked sessions from the table.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	var ended []uuid.UUID

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.State == domain.SessionRevoked:
			delete(m.sessions, id)
		case now.After(s.ExpiresAt.Add(m.leeway)):
			s.State = domain.SessionExpired
			delete(m.byRefresh, s.RefreshHash)
			delete(m.sessions, id)
			ended = append(ended, id)
		}
	}
	for h, id := range m.retired {
		if _, live := m.sessions[id]; !live {
			delete(m.retired, h)
		}
	}
	m.mu.Unlock()

	for _, id := range ended {
		m.fireRevokeHooks(id)
	}
}

// newRefreshToken returns a fresh opaque refresh token and its SHA-256.
// Only the hash is retained server-side; refresh tokens are not derivable
// from access tokens.
func newRefreshToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating refresh token: %w", err)
	}
	token = hex.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
