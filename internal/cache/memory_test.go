package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/koord/internal/cache"
)

func TestMemory_SetGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cache.NewMemory()

	require.NoError(t, m.Set(ctx, "memory", "k1", []byte(`{"hits":[]}`), time.Minute))

	val, ok, err := m.Get(ctx, "memory", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"hits":[]}`), val)

	_, ok, err = m.Get(ctx, "memory", "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same key under a different topic is a different entry.
	_, ok, err = m.Get(ctx, "tasks", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cache.NewMemory()

	require.NoError(t, m.Set(ctx, "memory", "k1", []byte("v"), 10*time.Millisecond))

	_, ok, err := m.Get(ctx, "memory", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok, err = m.Get(ctx, "memory", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_NonPositiveTTLNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cache.NewMemory()

	require.NoError(t, m.Set(ctx, "memory", "k1", []byte("v"), 0))
	require.NoError(t, m.Set(ctx, "memory", "k2", []byte("v"), -time.Second))

	_, ok, _ := m.Get(ctx, "memory", "k1")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "memory", "k2")
	assert.False(t, ok)
}

func TestMemory_InvalidateKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cache.NewMemory()

	require.NoError(t, m.Set(ctx, "memory", "k1", []byte("a"), time.Minute))
	require.NoError(t, m.Set(ctx, "memory", "k2", []byte("b"), time.Minute))

	require.NoError(t, m.Invalidate(ctx, "memory", "k1"))

	_, ok, _ := m.Get(ctx, "memory", "k1")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "memory", "k2")
	assert.True(t, ok)
}

func TestMemory_InvalidateTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cache.NewMemory()

	require.NoError(t, m.Set(ctx, "memory", "k1", []byte("a"), time.Minute))
	require.NoError(t, m.Set(ctx, "memory", "k2", []byte("b"), time.Minute))
	require.NoError(t, m.Set(ctx, "tasks", "k1", []byte("c"), time.Minute))

	// Empty key hint flushes the whole topic, nothing else.
	require.NoError(t, m.Invalidate(ctx, "memory", ""))

	_, ok, _ := m.Get(ctx, "memory", "k1")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "memory", "k2")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "tasks", "k1")
	assert.True(t, ok)
}
