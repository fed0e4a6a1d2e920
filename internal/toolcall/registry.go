package toolcall

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Handler executes one validated tool call and returns its result value.
type Handler func(ctx domain.Context, call domain.ToolCall) (any, error)

// Tool is one registry entry: a compiled parameter schema plus an executor.
type Tool struct {
	Name    string
	schema  *jsonschema.Schema
	Execute Handler
}

// Validate checks call parameters against the tool's schema. Parameters are
// round-tripped through JSON so native Go values normalize to JSON types
// before validation.
func (t *Tool) Validate(params map[string]any) error {
	if t.schema == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("op=toolcall.validate: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("op=toolcall.validate: %w", err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return fmt.Errorf("op=toolcall.validate: %s: %w: %v", t.Name, domain.ErrSchemaInvalid, err)
	}
	return nil
}

// Registry maps tool names to entries. Entries are added at startup; the
// dispatcher is a loop over this table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register compiles schemaJSON and binds it with the executor under name.
// An empty schema skips parameter validation. The last registration for a
// name wins.
func (r *Registry) Register(name, schemaJSON string, exec Handler) error {
	t := &Tool{Name: name, Execute: exec}
	if schemaJSON != "" {
		var schemaDoc any
		if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
			return fmt.Errorf("op=toolcall.register: %s: unmarshal schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", schemaDoc); err != nil {
			return fmt.Errorf("op=toolcall.register: %s: add schema resource: %w", name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("op=toolcall.register: %s: compile schema: %w", name, err)
		}
		t.schema = schema
	}
	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
	return nil
}

// MustRegister is Register that panics on a bad schema. Schemas are
// compile-time constants; a failure here is a programming error.
func (r *Registry) MustRegister(name, schemaJSON string, exec Handler) {
	if err := r.Register(name, schemaJSON, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for a tool name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}
