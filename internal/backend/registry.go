package backend

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry manages backend instances.
type Registry struct {
	backends map[Provider]Backend
	order    []Provider
	mu       sync.RWMutex
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Provider]Backend),
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := b.Provider()
	if _, ok := r.backends[p]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, p)
	}

	r.backends[p] = b
	r.order = append(r.order, p)
	return nil
}

// Get retrieves a backend by provider.
func (r *Registry) Get(p Provider) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[p]
	return b, ok
}

// ForWeights returns the first registered backend that loads files with the
// extension of path.
func (r *Registry) ForWeights(path string) (Backend, error) {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.order {
		b := r.backends[p]
		for _, e := range b.Extensions() {
			if e == ext {
				return b, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedWeights, filepath.Base(path))
}

// Extensions returns the sorted set of weights extensions known to the
// registered backends.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, b := range r.backends {
		for _, e := range b.Extensions() {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Provider(nil), r.order...)
}

// Close closes all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.order {
		if err := r.backends[p].Close(); err != nil {
			return err
		}
	}

	return nil
}
