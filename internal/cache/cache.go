// Package cache implements the broker-side result cache: the authoritative
// freshness tier shared across sessions. Entries are keyed by
// hash(tool, canonical arguments), scoped to a change topic, and dropped
// either on TTL expiry or eagerly when a matching ChangeEvent fires.
package cache

import (
	"context"
	"time"
)

// Cache is the broker-side tier. Implementations: Memory (in-process) and
// the Redis-backed store in internal/store/redis. Injected into the
// dispatcher so tests substitute an in-memory fake.
//
// Writes to a given key are last-writer-wins; there are no
// read-modify-write transactions at this level.
type Cache interface {
	// Get returns the cached value for (topic, key), reporting a miss for
	// absent or expired entries.
	Get(ctx context.Context, topic, key string) ([]byte, bool, error)
	// Set stores a value with the given TTL, replacing any prior entry.
	Set(ctx context.Context, topic, key string, value []byte, ttl time.Duration) error
	// Invalidate removes the entry matching keyHint; an empty hint drops
	// every entry under the topic.
	Invalidate(ctx context.Context, topic, keyHint string) error
}
