package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache. Suitable for single-broker deployments
// and as the test substitute for the Redis tier. Expired entries are
// dropped lazily on read and swept opportunistically on write.
type Memory struct {
	store sync.Map // map[string]memoryEntry, keyed topic + "\x00" + key
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{}
}

func memoryKey(topic, key string) string {
	return topic + "\x00" + key
}

func (m *Memory) Get(_ context.Context, topic, key string) ([]byte, bool, error) {
	val, ok := m.store.Load(memoryKey(topic, key))
	if !ok {
		return nil, false, nil
	}

	entry := val.(memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.store.Delete(memoryKey(topic, key))
		return nil, false, nil
	}

	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, topic, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.store.Store(memoryKey(topic, key), memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

func (m *Memory) Invalidate(_ context.Context, topic, keyHint string) error {
	if keyHint != "" {
		m.store.Delete(memoryKey(topic, keyHint))
		return nil
	}

	prefix := topic + "\x00"
	m.store.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			m.store.Delete(k)
		}
		return true
	})
	return nil
}
