// Package tools defines the tool abstraction exposed to agents and the
// registry that holds the available implementations.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one tool call. args is the already-parsed argument
// object; the gateway guarantees it is never nil. The returned string
// is handed back to the model verbatim.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool describes one callable tool.
type Tool struct {
	// Name is the identifier the model calls the tool by.
	Name string `json:"name"`
	// Description tells the model what the tool does.
	Description string `json:"description"`
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any `json:"parameters"`
	// Handler executes the tool. Not serialized.
	Handler Handler `json:"-"`
}

// Registry holds the tool implementations available to the engine.
// Agents see a filtered view through Schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a duplicate name is a programming
// error and panics at startup rather than failing a request later.
func (r *Registry) Register(t *Tool) {
	if t.Name == "" || t.Handler == nil {
		panic("tools: Register requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		panic(fmt.Sprintf("tools: duplicate tool %q", t.Name))
	}
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns the serialized schema list for the allowed tool
// names, in allowlist order, shaped for an OpenAI-compatible API.
// Unknown names are skipped. Returns nil for an empty allowlist so
// callers can pass the result straight to the model service.
func (r *Registry) Schemas(allowed []string) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []map[string]any
	for _, name := range allowed {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// Execute runs the named tool. A missing tool returns
// ErrToolUnavailable so the engine can report it to the model instead
// of failing the request.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", &ErrToolUnavailable{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Handler(ctx, args)
}
