package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/koord/internal/cache"
)

func TestKey_SemanticallyEqualArgumentsCollide(t *testing.T) {
	t.Parallel()

	base := cache.Key("memory.search", map[string]any{"query": "deploy steps", "limit": float64(5)})

	tests := []struct {
		name string
		args map[string]any
	}{
		{
			name: "key casing",
			args: map[string]any{"Query": "deploy steps", "LIMIT": float64(5)},
		},
		{
			name: "key whitespace",
			args: map[string]any{" query ": "deploy steps", "limit": float64(5)},
		},
		{
			name: "string casing",
			args: map[string]any{"query": "Deploy Steps", "limit": float64(5)},
		},
		{
			name: "string whitespace collapsed",
			args: map[string]any{"query": "  deploy \t steps ", "limit": float64(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, base, cache.Key("memory.search", tt.args))
		})
	}
}

func TestKey_DifferentInputsDiverge(t *testing.T) {
	t.Parallel()

	base := cache.Key("memory.search", map[string]any{"query": "deploy steps"})

	assert.NotEqual(t, base, cache.Key("memory.search", map[string]any{"query": "rollback steps"}))
	assert.NotEqual(t, base, cache.Key("memory.search", map[string]any{"query": "deploy steps", "limit": float64(5)}))
	// Same arguments under a different tool name are a different entry.
	assert.NotEqual(t, base, cache.Key("memory.store", map[string]any{"query": "deploy steps"}))
}

func TestKey_NestedStructuresNormalized(t *testing.T) {
	t.Parallel()

	a := cache.Key("memory.search", map[string]any{
		"filter": map[string]any{"Tags": []any{"Ops", "Runbook"}},
	})
	b := cache.Key("memory.search", map[string]any{
		"filter": map[string]any{"tags": []any{"ops", "runbook"}},
	})
	assert.Equal(t, a, b)

	// Slice order is significant.
	c := cache.Key("memory.search", map[string]any{
		"filter": map[string]any{"tags": []any{"runbook", "ops"}},
	})
	assert.NotEqual(t, a, c)
}

func TestKey_StableHexDigest(t *testing.T) {
	t.Parallel()

	k := cache.Key("memory.search", nil)
	assert.Len(t, k, 64)
	assert.Equal(t, k, cache.Key("memory.search", nil))
}
