package adapter

import (
	"sync"

	"github.com/gosuda/koord/internal/domain"
)

type localEntry struct {
	key    string
	result domain.ToolResult
}

// localCache is the adapter-local tier: advisory only, last-N results per
// tool, discarded wholesale when a matching ChangeEvent arrives. No
// partial updates — simplicity over hit rate. Broker TTLs still apply on
// the authoritative tier, so nothing here is ever trusted past them.
type localCache struct {
	mu      sync.Mutex
	perTool map[string][]localEntry // insertion order, oldest first
	limit   int
}

func newLocalCache(limit int) *localCache {
	if limit <= 0 {
		limit = 8
	}
	return &localCache{
		perTool: make(map[string][]localEntry),
		limit:   limit,
	}
}

func (c *localCache) get(toolName, key string) (domain.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.perTool[toolName] {
		if e.key == key {
			return e.result, true
		}
	}
	return domain.ToolResult{}, false
}

func (c *localCache) put(toolName, key string, result domain.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.perTool[toolName]
	for i, e := range entries {
		if e.key == key {
			entries[i].result = result
			return
		}
	}

	entries = append(entries, localEntry{key: key, result: result})
	if len(entries) > c.limit {
		entries = entries[len(entries)-c.limit:]
	}
	c.perTool[toolName] = entries
}

// invalidate discards entries for the given tools that match the event's
// key hint; an empty hint discards everything for those tools.
func (c *localCache) invalidate(toolNames []string, keyHint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tool := range toolNames {
		if keyHint == "" {
			delete(c.perTool, tool)
			continue
		}
		entries := c.perTool[tool]
		kept := entries[:0]
		for _, e := range entries {
			if e.key != keyHint {
				kept = append(kept, e)
			}
		}
		c.perTool[tool] = kept
	}
}
