// Package tools holds the broker's built-in reference tools. The broker
// treats tool internals as external collaborators behind the uniform
// handler contract; these memory tools exist so a deployment works out of
// the box and the contract has a reference implementation.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/koord/internal/domain"
	"github.com/gosuda/koord/internal/registry"
)

// Entry is one stored knowledge item.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeRepository is the narrow store contract behind the memory
// tools. A production deployment backs this with a relational store or a
// vector index; the broker only sees this interface.
type KnowledgeRepository interface {
	Store(ctx context.Context, entry *Entry) error
	Search(ctx context.Context, query string, limit int) ([]*Entry, error)
}

// MemoryRepository is the in-process KnowledgeRepository used by the
// default wiring and by tests. Search is plain substring matching — the
// point is the contract, not retrieval quality.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Store(_ context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryRepository) Search(_ context.Context, query string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []*Entry
	for _, e := range r.entries {
		if strings.Contains(strings.ToLower(e.Content), needle) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Capabilities gating the memory tools.
const (
	CapMemoryRead  domain.Capability = "memory.read"
	CapMemoryWrite domain.Capability = "memory.write"
)

// TopicMemory is the change topic shared by the memory tools: a store
// invalidates every cached search.
const TopicMemory = "memory"

// RegisterMemoryTools adds memory.store and memory.search to the registry.
func RegisterMemoryTools(reg *registry.Registry, repo KnowledgeRepository) error {
	err := reg.Register(registry.Spec{
		Name:       "memory.store",
		Class:      registry.ClassWrite,
		Capability: CapMemoryWrite,
		Mutating:   true,
		Topic:      TopicMemory,
		// A stored entry gets a fresh ID every call; caching the result
		// would be meaningless.
		CacheTTL: -1,
		ArgumentSchema: map[string]any{
			"type":                 "object",
			"required":             []any{"content"},
			"additionalProperties": false,
			"properties": map[string]any{
				"content": map[string]any{"type": "string", "minLength": 1},
				"tags": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
		},
		Handler: storeHandler(repo),
	})
	if err != nil {
		return fmt.Errorf("tools.RegisterMemoryTools: %w", err)
	}

	err = reg.Register(registry.Spec{
		Name:       "memory.search",
		Class:      registry.ClassRead,
		Capability: CapMemoryRead,
		Topic:      TopicMemory,
		ArgumentSchema: map[string]any{
			"type":                 "object",
			"required":             []any{"query"},
			"additionalProperties": false,
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			},
		},
		Handler: searchHandler(repo),
	})
	if err != nil {
		return fmt.Errorf("tools.RegisterMemoryTools: %w", err)
	}

	return nil
}

func storeHandler(repo KnowledgeRepository) registry.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		content, _ := args["content"].(string)

		var tags []string
		if rawTags, ok := args["tags"].([]any); ok {
			for _, t := range rawTags {
				if s, sok := t.(string); sok {
					tags = append(tags, s)
				}
			}
		}

		entry := &Entry{
			ID:        uuid.New(),
			Content:   content,
			Tags:      tags,
			CreatedAt: time.Now().UTC(),
		}

		if err := repo.Store(ctx, entry); err != nil {
			return nil, fmt.Errorf("memory.store: %w", err)
		}

		return map[string]any{"id": entry.ID.String()}, nil
	}
}

func searchHandler(repo KnowledgeRepository) registry.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)

		limit := 20
		// JSON numbers decode as float64.
		if f, ok := args["limit"].(float64); ok {
			limit = int(f)
		}

		entries, err := repo.Search(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("memory.search: %w", err)
		}
		if entries == nil {
			entries = []*Entry{}
		}

		return map[string]any{"entries": entries, "count": len(entries)}, nil
	}
}
