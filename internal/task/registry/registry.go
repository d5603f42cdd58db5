// Package registry holds the declarations of schedulable task kinds and the
// work functions bound to them.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
	work map[string]WorkFunc
}

func New() *Registry {
	return &Registry{
		defs: map[string]Definition{},
		work: map[string]WorkFunc{},
	}
}

// Register makes def.ID eligible for scheduling.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

func (r *Registry) Lookup(id string) (Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return def, nil
}

// Handle binds the work function for a registered identifier. Binding again
// replaces the previous function.
func (r *Registry) Handle(id string, fn WorkFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: nil work func for %s", ErrInvalidDefinition, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	r.work[id] = fn
	return nil
}

func (r *Registry) Work(id string) (WorkFunc, bool) {
	r.mu.RLock()
	fn, ok := r.work[id]
	r.mu.RUnlock()
	return fn, ok
}

// List returns all definitions sorted by identifier.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
