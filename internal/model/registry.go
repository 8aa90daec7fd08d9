package model

import (
	"sort"
	"sync"
)

// Registry stores model instances by ID.
type Registry struct {
	models map[string]*Instance
	mu     sync.RWMutex
}

// NewRegistry creates a new model registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*Instance),
	}
}

// Set adds a model instance to the registry, returning the one it replaced.
func (r *Registry) Set(instance *Instance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.models[instance.ID]
	r.models[instance.ID] = instance
	return prev
}

// Get returns the model instance with the given ID.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.models[id]
	return instance, ok
}

// List returns all model instances ordered by ID.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*Instance, 0, len(r.models))
	for _, instance := range r.models {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	return instances
}

// Delete deletes the model instance with the given ID.
func (r *Registry) Delete(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.models[id]
	delete(r.models, id)
	return prev
}
