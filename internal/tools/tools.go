// Package tools maps tool-call requests from the understanding service to
// local handlers.
//
// A [Registry] holds the handlers together with their model-facing
// definitions. Arguments are validated and coerced against each definition's
// JSON Schema at the registry boundary, so handlers receive typed [Args]
// instead of raw decoded JSON.
//
// The [Dispatcher] runs one request end to end: it fills omitted arguments
// from the caller's [ContextSnapshot] following a declarative rule table,
// invokes the handler with a bounded wait and always produces a textual
// result, whatever the handler does.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// ErrDuplicateTool is returned by [Registry.Register] when a tool with the
// same name already exists.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// ContextSnapshot is the read-only UI selection at the moment a tool call is
// dispatched. Empty fields mean nothing is selected.
type ContextSnapshot struct {
	BusinessLineID string `json:"businessLineId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	DealID         string `json:"dealId,omitempty"`
}

// Handler executes one tool call. The returned string is relayed to the
// service verbatim. Handlers must respect ctx cancellation.
type Handler func(ctx context.Context, args Args, snap ContextSnapshot) (string, error)

// Tool is a handler together with its model-facing definition.
type Tool struct {
	// Definition is the schema offered to the model. Definition.Parameters
	// drives argument validation; a nil schema accepts any arguments.
	Definition s2s.ToolDefinition

	// Handler is invoked by the [Dispatcher].
	Handler Handler
}

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. The name must be non-empty and unique and the handler
// non-nil.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a non-nil handler", t.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// RegisterFunc registers h under name with an empty description and no
// argument schema.
func (r *Registry) RegisterFunc(name string, h Handler) error {
	return r.Register(Tool{Definition: s2s.ToolDefinition{Name: name}, Handler: h})
}

// Unregister removes the named tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Definitions returns the definitions of all tools sorted by name, ready for
// [s2s.SessionConfig.Tools].
func (r *Registry) Definitions() []s2s.ToolDefinition {
	r.mu.RLock()
	defs := make([]s2s.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	r.mu.RUnlock()
	slices.SortFunc(defs, func(a, b s2s.ToolDefinition) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return defs
}
