package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Capability is a named permission gating which tools a session may invoke.
// Capabilities are granted at handshake and never widened afterwards.
type Capability string

// SessionState tracks the session lifecycle FSM:
// active -> (refreshed)* -> revoked | expired.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionRevoked SessionState = "revoked"
	SessionExpired SessionState = "expired"
)

// Session is one authenticated adapter connection. The capability set is
// fixed at issuance; only the auth manager mutates a session (refresh
// rotation, revocation).
type Session struct {
	ID            uuid.UUID
	AssistantKind string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Capabilities  map[Capability]struct{}
	State         SessionState

	// RefreshHash is the SHA-256 of the currently valid refresh token.
	// Rotated on every successful refresh; a superseded token presented
	// against it is treated as theft and revokes the session.
	RefreshHash string
}

// Can reports whether the session holds the given capability.
func (s *Session) Can(c Capability) bool {
	_, ok := s.Capabilities[c]
	return ok
}

// CapabilityList returns the capability set as a sorted slice for wire
// responses.
func (s *Session) CapabilityList() []string {
	out := make([]string, 0, len(s.Capabilities))
	for c := range s.Capabilities {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
