package provider

import "sort"

// Adapter names accepted in the type-to-adapter configuration table.
const (
	AdapterGitHub = "github"
	AdapterGitLab = "gitlab"
)

// Registry resolves project types to adapters through an explicit table.
// Types without a mapping are reported as unmapped; callers skip those with
// a warning instead of guessing a default.
type Registry struct {
	adapters map[string]Client
	table    map[string]string
}

// NewRegistry builds a registry with the built-in adapters and the given
// type-to-adapter table. Table entries naming an unknown adapter are
// dropped.
func NewRegistry(table map[string]string) *Registry {
	registry := &Registry{
		adapters: map[string]Client{
			AdapterGitHub: NewGitHub(),
			AdapterGitLab: NewGitLab(),
		},
		table: map[string]string{},
	}
	for projectType, adapterName := range table {
		if _, ok := registry.adapters[adapterName]; ok {
			registry.table[projectType] = adapterName
		}
	}
	return registry
}

// Register installs or replaces an adapter under the given name. Used by
// tests to substitute fakes.
func (r *Registry) Register(name string, client Client) {
	r.adapters[name] = client
}

// Map binds a project type to an adapter name.
func (r *Registry) Map(projectType, adapterName string) {
	r.table[projectType] = adapterName
}

// ForType returns the adapter serving the given project type, or false when
// the type is unmapped.
func (r *Registry) ForType(projectType string) (Client, bool) {
	adapterName, ok := r.table[projectType]
	if !ok {
		return nil, false
	}
	client, ok := r.adapters[adapterName]
	return client, ok
}

// Adapter returns the named adapter directly, independent of the type table.
func (r *Registry) Adapter(name string) (Client, bool) {
	client, ok := r.adapters[name]
	return client, ok
}

// MappedTypes lists the project types with an adapter binding, sorted for
// stable log output.
func (r *Registry) MappedTypes() []string {
	types := make([]string, 0, len(r.table))
	for projectType := range r.table {
		types = append(types, projectType)
	}
	sort.Strings(types)
	return types
}
