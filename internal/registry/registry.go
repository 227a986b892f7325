// Package registry holds the broker's dispatch table: the mapping from
// canonical tool names to handler contracts. The table is populated at
// startup and frozen before the first request, so request handling reads
// it without locking.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gosuda/koord/internal/domain"
)

// ToolClass groups tools for rate-limit and timeout configuration.
// Read-heavy tools get larger buckets and longer cache TTLs than mutating
// tools.
type ToolClass string

const (
	ClassRead  ToolClass = "read"
	ClassWrite ToolClass = "write"
)

// Handler is the uniform tool-handler contract. Arguments arrive already
// validated against the tool's schema. The context carries the dispatch
// deadline; handlers doing network I/O must respect it.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Spec describes one tool at registration time.
type Spec struct {
	Name       string
	Class      ToolClass
	Capability domain.Capability
	// Mutating tools publish a ChangeEvent on Topic after a successful
	// handler invocation.
	Mutating bool
	Topic    string
	// CacheTTL of zero disables broker-side caching for the tool.
	CacheTTL time.Duration
	// Timeout of zero falls back to the class default from config.
	Timeout time.Duration
	// ArgumentSchema is a JSON Schema document; nil means any object.
	ArgumentSchema map[string]any
	Handler        Handler
}

// Tool is a registered tool with its compiled schema.
type Tool struct {
	Spec
	schema *jsonschema.Schema
}

// Registry is the dispatch table. Register then Freeze at startup; Lookup
// and ValidateArguments afterwards from any goroutine.
type Registry struct {
	tools  map[string]*Tool
	frozen atomic.Bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool and compiles its argument schema. Registering after
// Freeze panics: dynamic registration at request time would race with
// lock-free dispatch reads, so it is a programming error by construction.
func (r *Registry) Register(spec Spec) error {
	if r.frozen.Load() {
		panic("registry: Register called after Freeze")
	}
	if spec.Name == "" {
		return fmt.Errorf("registry.Register: tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("registry.Register: tool %q: handler is required", spec.Name)
	}
	if spec.Class != ClassRead && spec.Class != ClassWrite {
		return fmt.Errorf("registry.Register: tool %q: unknown class %q", spec.Name, spec.Class)
	}
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("registry.Register: tool %q already registered", spec.Name)
	}
	if spec.Mutating && spec.Topic == "" {
		return fmt.Errorf("registry.Register: tool %q: mutating tools need a change topic", spec.Name)
	}

	tool := &Tool{Spec: spec}

	if spec.ArgumentSchema != nil {
		compiled, err := compileSchema(spec.Name, spec.ArgumentSchema)
		if err != nil {
			return fmt.Errorf("registry.Register: tool %q: %w", spec.Name, err)
		}
		tool.schema = compiled
	}

	r.tools[spec.Name] = tool
	return nil
}

// Freeze seals the table. Idempotent.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Lookup returns the tool for a canonical name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// ValidateArguments checks an argument map against the tool's compiled
// schema. Violations are domain.ErrInvalidArguments: a client error class,
// never retried.
func (t *Tool) ValidateArguments(args map[string]any) error {
	if t.schema == nil {
		return nil
	}

	// Round-trip through JSON so argument values carry the exact types
	// the schema library expects, regardless of how the transport decoded
	// them.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("registry.ValidateArguments: %w", domain.ErrInvalidArguments)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("registry.ValidateArguments: %w", domain.ErrInvalidArguments)
	}

	if err := t.schema.Validate(instance); err != nil {
		return fmt.Errorf("registry.ValidateArguments: %v: %w", err, domain.ErrInvalidArguments)
	}

	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip to plain JSON types; the compiler rejects documents with
	// non-JSON values (e.g. time.Duration) otherwise.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := "koord://tools/" + name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return compiled, nil
}
