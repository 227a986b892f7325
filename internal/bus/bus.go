// Package bus implements the synchronization bus: fire-and-forget fan-out
// of ChangeEvents to every other live session so adapter-local caches
// invalidate in near-real-time.
//
// Delivery is best-effort, at-most-once per subscriber. There is no replay
// log: a subscriber that misses events falls back to cache TTL expiry to
// self-correct, which bounds staleness even across a bus restart.
package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/koord/internal/domain"
)

// Bus is the fan-out contract. Implementations: Memory (in-process) and
// the Redis-backed bus in internal/store/redis. Injected into the
// dispatcher and server so tests substitute the in-memory one.
type Bus interface {
	// Publish fans an event out without blocking on subscriber delivery.
	Publish(ctx context.Context, event domain.ChangeEvent) error
	// Subscribe opens the session's event stream for the given topics.
	// A second Subscribe for the same session replaces the first. The
	// returned stop function closes the stream; it is also closed when
	// ctx is cancelled or the session is unsubscribed.
	Subscribe(ctx context.Context, sessionID uuid.UUID, topics []string) (<-chan domain.ChangeEvent, func(), error)
	// Unsubscribe closes the session's stream if one is open. Idempotent;
	// wired to session revocation.
	Unsubscribe(sessionID uuid.UUID)
}
