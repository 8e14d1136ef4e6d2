// Package registry is the process-wide instance-name -> *engine.Engine
// lookup: populated at start, drained at stop,
// shared-read/exclusive-write-on-registration-only.
package registry

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/duroq/internal/engine"
)

// Registry is a concurrent map from engine instance name to its
// running handle. The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*engine.Engine
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{instances: make(map[string]*engine.Engine)}
}

// Register adds a running engine under name, or replaces the handle a
// config hot-reload already holds (the caller is responsible for
// stopping the previous one first).
func (r *Registry) Register(name string, e *engine.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances == nil {
		r.instances = make(map[string]*engine.Engine)
	}
	r.instances[name] = e
}

// Lookup returns the named engine, or false if no such instance is
// registered.
func (r *Registry) Lookup(name string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.instances[name]
	return e, ok
}

// MustLookup is a convenience for callers that treat a missing
// instance as a programmer error.
func (r *Registry) MustLookup(name string) (*engine.Engine, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("registry: no engine instance %q", name)
	}
	return e, nil
}

// Unregister removes name without stopping it; callers stop the engine
// themselves so shutdown ordering stays explicit.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
}

// Names returns every currently registered instance name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	return names
}

// StopAll stops every registered engine and empties the registry; used
// on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.instances {
		e.Stop()
		delete(r.instances, name)
	}
}
