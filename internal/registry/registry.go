// Package registry resolves agent identifiers to agent configurations.
// The engine never hardcodes agent behavior; everything that varies per
// agent (model, prompt, tool allowlist) lives in a Descriptor.
package registry

import (
	"context"
	"fmt"

	"github.com/herald-dev/herald/internal/config"
)

// Descriptor is the complete configuration of one agent.
type Descriptor struct {
	// ID is the unique agent identifier.
	ID string
	// Model is the model identifier sent to the model service.
	Model string
	// Prompt is the system prompt text.
	Prompt string
	// Tools lists the tool names this agent may call. Empty means no
	// tools.
	Tools []string
	// Extra holds agent-specific settings not interpreted by the
	// engine, such as a voice name for speech synthesis.
	Extra map[string]string
}

// ErrNotFound is returned by Get when no agent has the requested id.
var ErrNotFound = fmt.Errorf("agent not found")

// Registry resolves agent identifiers to descriptors.
type Registry interface {
	// Get returns the descriptor for the given id, or ErrNotFound.
	// Lookup is case-sensitive.
	Get(ctx context.Context, id string) (*Descriptor, error)
	// Default returns the descriptor used when a request names no agent.
	Default(ctx context.Context) (*Descriptor, error)
}

// Static is a Registry backed by a fixed set of descriptors, built once
// from configuration at startup.
type Static struct {
	agents    map[string]*Descriptor
	defaultID string
}

var _ Registry = (*Static)(nil)

// NewStatic builds a registry from descriptors. defaultID must name one
// of them.
func NewStatic(agents []Descriptor, defaultID string) (*Static, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("registry: no agents configured")
	}
	m := make(map[string]*Descriptor, len(agents))
	for i := range agents {
		a := agents[i]
		if a.ID == "" {
			return nil, fmt.Errorf("registry: agent %d has empty id", i)
		}
		if _, dup := m[a.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate agent id %q", a.ID)
		}
		m[a.ID] = &a
	}
	if _, ok := m[defaultID]; !ok {
		return nil, fmt.Errorf("registry: default agent %q not configured", defaultID)
	}
	return &Static{agents: m, defaultID: defaultID}, nil
}

// FromConfig builds a registry from the loaded configuration. Agents
// without an explicit model inherit cfg.Model.Default (already applied
// by config validation).
func FromConfig(cfg *config.Config) (*Static, error) {
	agents := make([]Descriptor, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, Descriptor{
			ID:     a.ID,
			Model:  a.Model,
			Prompt: a.Prompt,
			Tools:  a.Tools,
			Extra:  a.Extra,
		})
	}
	return NewStatic(agents, cfg.DefaultAgent)
}

// Get implements Registry.
func (s *Static) Get(ctx context.Context, id string) (*Descriptor, error) {
	d, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return d, nil
}

// Default implements Registry.
func (s *Static) Default(ctx context.Context) (*Descriptor, error) {
	return s.agents[s.defaultID], nil
}

// IDs returns the configured agent ids in no particular order.
func (s *Static) IDs() []string {
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out
}
