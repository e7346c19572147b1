package workflow

import (
	"errors"
	"fmt"
	"sort"
)

// ErrWorkflowNotFound is returned by Registry.Get when no definition is
// registered under the requested name.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Registry maps workflow names to their definitions. Registration is
// expected to occur at program initialization time (single-threaded), so no
// mutex is needed.
type Registry struct {
	defs map[string]*WorkflowDefinition
}

// NewRegistry creates a Registry pre-populated with the built-in workflow
// definitions.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*WorkflowDefinition)}
	for name, def := range BuiltinDefinitions() {
		r.defs[name] = def
	}
	return r
}

// Register adds def to the registry, replacing any same-named definition so
// user configuration can override built-ins. It panics on nil definitions
// or empty names; these are programming errors that should surface at
// startup.
func (r *Registry) Register(def *WorkflowDefinition) {
	if def == nil {
		panic("workflow: Register called with nil definition")
	}
	if def.Name == "" {
		panic("workflow: Register called with definition that has no name")
	}
	r.defs[def.Name] = def
}

// Get returns the definition registered under name, or ErrWorkflowNotFound
// (wrapped with the name).
func (r *Registry) Get(name string) (*WorkflowDefinition, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrWorkflowNotFound)
	}
	return def, nil
}

// Has reports whether a definition is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// List returns the names of all registered workflows in alphabetical order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
