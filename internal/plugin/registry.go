package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all registered plugins and the resolved execution order.
//
// Plugins are registered explicitly at startup. Finalize builds the hard
// dependency graph once, rejects cycles and unknown dependency names as
// fatal configuration errors, and caches the topological order; the order
// is never re-resolved at run time.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]Plugin
	order     []string
	finalized bool
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
	}
}

// Register adds a plugin. Duplicate names and invalid table schemas are
// configuration errors. Registration after Finalize is rejected.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return fmt.Errorf("registry is finalized, cannot register %s", p.Descriptor().Name)
	}

	desc := p.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if _, exists := r.plugins[desc.Name]; exists {
		return fmt.Errorf("plugin %s is already registered", desc.Name)
	}
	for _, schema := range desc.Tables {
		if err := schema.Validate(); err != nil {
			return fmt.Errorf("plugin %s: %w", desc.Name, err)
		}
	}

	r.plugins[desc.Name] = p
	return nil
}

// Finalize resolves the hard-dependency graph into a cached topological
// order. Unknown dependency names and cycles are fatal.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return nil
	}

	// Reject references to plugins that are not registered.
	for name, p := range r.plugins {
		for _, dep := range p.Descriptor().DependsOn {
			if _, ok := r.plugins[dep]; !ok {
				return fmt.Errorf("plugin %s depends on unknown plugin %s", name, dep)
			}
		}
		for _, dep := range p.Descriptor().OptionalDeps {
			if _, ok := r.plugins[dep]; !ok {
				return fmt.Errorf("plugin %s optionally depends on unknown plugin %s", name, dep)
			}
		}
	}

	order, err := r.topoSort()
	if err != nil {
		return err
	}

	r.order = order
	r.finalized = true
	return nil
}

// topoSort runs Kahn's algorithm over hard dependencies.
// Must be called with the lock held.
func (r *Registry) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(r.plugins))
	dependents := make(map[string][]string, len(r.plugins))

	for name, p := range r.plugins {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range p.Descriptor().DependsOn {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Deterministic order: alphabetical among ready plugins.
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(r.plugins) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle involving plugins: %s", strings.Join(cyclic, ", "))
	}

	return order, nil
}

// Order returns the cached dependency-ordered plugin names.
// Panics if the registry was not finalized; that is a programming error.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.finalized {
		panic("plugin registry used before Finalize")
	}

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a plugin by name, or nil if not registered.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.plugins[name]
}

// Has reports whether a plugin is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.plugins[name]
	return ok
}

// All returns every registered plugin in dependency order.
func (r *Registry) All() []Plugin {
	names := r.Order()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(names))
	for _, name := range names {
		out = append(out, r.plugins[name])
	}
	return out
}

// DailyPlugins returns plugins with a daily schedule, in dependency order.
// The missing-data detector is restricted to these.
func (r *Registry) DailyPlugins() []Plugin {
	var out []Plugin
	for _, p := range r.All() {
		if p.Descriptor().Schedule.Frequency == FrequencyDaily {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.plugins)
}
