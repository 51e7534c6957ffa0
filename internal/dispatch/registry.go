package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/establishment/storesync/internal/store"
)

var ErrDuplicateStore = errors.New("store already registered")

// Registry maps object type names to their stores. Lookups are
// case-insensitive since servers are not consistent about casing.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*store.Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*store.Store)}
}

func registryKey(name string) string {
	return strings.ToLower(name)
}

// Register adds a store under its name.
func (r *Registry) Register(s *store.Store) error {
	key := registryKey(s.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[key]; ok {
		return fmt.Errorf("failed to register %s: %w", s.Name(), ErrDuplicateStore)
	}
	r.stores[key] = s
	return nil
}

// Lookup returns the store for an object type.
func (r *Registry) Lookup(name string) (*store.Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[registryKey(name)]
	return s, ok
}

// Stores returns every registered store sorted by name.
func (r *Registry) Stores() []*store.Store {
	r.mu.RLock()
	out := make([]*store.Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Clear empties every store.
func (r *Registry) Clear() {
	for _, s := range r.Stores() {
		s.Clear()
	}
}

// Close stops fetch batching on every store.
func (r *Registry) Close() {
	for _, s := range r.Stores() {
		s.Close()
	}
}

// ImportOrder returns the stores in dependency order: every store comes after
// the stores it depends on, ties broken by name. Dependencies on unregistered
// stores are ignored. When the graph has a cycle the cyclic remainder is
// appended in name order and ErrDependencyCycle is returned with the order.
func (r *Registry) ImportOrder() ([]*store.Store, error) {
	stores := r.Stores()
	byKey := make(map[string]*store.Store, len(stores))
	for _, s := range stores {
		byKey[registryKey(s.Name())] = s
	}

	indegree := make(map[string]int, len(stores))
	dependents := make(map[string][]string, len(stores))
	for _, s := range stores {
		key := registryKey(s.Name())
		indegree[key] += 0
		for _, dep := range s.Dependencies() {
			depKey := registryKey(dep)
			if _, ok := byKey[depKey]; !ok || depKey == key {
				continue
			}
			indegree[key]++
			dependents[depKey] = append(dependents[depKey], key)
		}
	}

	order := make([]*store.Store, 0, len(stores))
	done := make(map[string]bool, len(stores))
	for len(order) < len(stores) {
		// stores is sorted by name, so the first ready store wins ties
		var next *store.Store
		for _, s := range stores {
			key := registryKey(s.Name())
			if !done[key] && indegree[key] == 0 {
				next = s
				break
			}
		}
		if next == nil {
			var cyclic []string
			for _, s := range stores {
				if key := registryKey(s.Name()); !done[key] {
					order = append(order, s)
					cyclic = append(cyclic, s.Name())
				}
			}
			return order, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cyclic, ", "))
		}
		key := registryKey(next.Name())
		done[key] = true
		order = append(order, next)
		for _, dependent := range dependents[key] {
			indegree[dependent]--
		}
	}
	return order, nil
}
