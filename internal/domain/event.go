package domain

import (
	"github.com/google/uuid"
)

// ChangeEvent notifies other live sessions that a cached tool result may
// now be stale. Transient: published once, never persisted beyond the sync
// bus's in-flight buffers.
type ChangeEvent struct {
	Topic           string    `json:"topic"`
	AffectedKeyHint string    `json:"affected_key_hint"`
	OriginSessionID uuid.UUID `json:"origin_session_id"`
	VersionStamp    uint64    `json:"version_stamp"`
}

// Matches reports whether a cache key is covered by this event's key hint.
// An empty hint invalidates the whole topic.
func (e ChangeEvent) Matches(key string) bool {
	if e.AffectedKeyHint == "" {
		return true
	}
	return e.AffectedKeyHint == key
}
