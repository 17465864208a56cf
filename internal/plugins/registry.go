package plugins

import (
	"sort"
	"strings"
	"sync"
)

// Definition describes one registered plugin: its short name, what it
// produces, and the factory that builds a run for a configured instance.
// Exactly one of Metric/Config is set, matching Kind.
type Definition struct {
	Name   string
	Kind   Kind
	Metric MetricFactory
	Config ConfigFactory
}

// Registry maps short plugin names to definitions. Block keys may carry a
// ":suffix" so one plugin can appear under several independent config
// blocks; lookup always uses the portion before the first colon.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// PluginName returns the plugin short name for a config block key.
func PluginName(blockKey string) string {
	name, _, _ := strings.Cut(blockKey, ":")
	return name
}

// RegisterMetric adds a metric-producing plugin under name. A later
// registration for the same name overwrites the earlier one.
func (r *Registry) RegisterMetric(name string, factory MetricFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = Definition{Name: name, Kind: KindMetric, Metric: factory}
}

// RegisterConfig adds a config-producing plugin under name.
func (r *Registry) RegisterConfig(name string, factory ConfigFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = Definition{Name: name, Kind: KindConfig, Config: factory}
}

// Lookup resolves a config block key to a definition.
func (r *Registry) Lookup(blockKey string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[PluginName(blockKey)]
	return def, ok
}

// List returns the registered plugin names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
