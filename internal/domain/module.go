package domain

import (
	"fmt"
	"sort"
	"sync"
)

// Module is a loadable group of domain registrations. Init is called at most
// once per module identity and performs all command and event registration.
type Module interface {
	Init(r *Registry) error
}

// ModuleResolver maps a module path to a Module plus a canonical identifier.
// The identifier, not the path, keys the init-once guard, so two aliases of
// the same module resolve to a single initialization.
type ModuleResolver interface {
	Resolve(path string) (Module, string, error)
}

// TableResolver is a ModuleResolver backed by an explicit table. Aliases map
// alternate paths onto canonical names.
type TableResolver struct {
	mu      sync.Mutex
	modules map[string]Module
	aliases map[string]string
}

// NewTableResolver creates an empty resolver
func NewTableResolver() *TableResolver {
	return &TableResolver{
		modules: make(map[string]Module),
		aliases: make(map[string]string),
	}
}

// Register adds a module under its canonical name
func (t *TableResolver) Register(name string, m Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[name] = m
}

// Alias maps an alternate path onto a canonical module name
func (t *TableResolver) Alias(alias, canonical string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[alias] = canonical
}

// Resolve implements ModuleResolver
func (t *TableResolver) Resolve(path string) (Module, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := path
	if canonical, ok := t.aliases[path]; ok {
		name = canonical
	}
	m, ok := t.modules[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown domain module %q", path)
	}
	return m, name, nil
}

// Paths returns the registered canonical module names, sorted
func (t *TableResolver) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.modules))
	for name := range t.modules {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}

// LoadDomainModules resolves and initializes the modules at the given paths.
// A module whose canonical identifier has been initialized before is skipped,
// so loading is idempotent per module identity even across path aliases. The
// first resolution or init failure aborts the load and propagates.
func (r *Registry) LoadDomainModules(paths []string) error {
	if r.resolver == nil {
		return fmt.Errorf("registry has no module resolver")
	}

	for _, path := range paths {
		m, id, err := r.resolver.Resolve(path)
		if err != nil {
			return err
		}

		r.mu.Lock()
		_, done := r.initialized[id]
		r.mu.Unlock()
		if done {
			r.log.Debug("domain module %q already initialized, skipping", id)
			continue
		}

		if err := m.Init(r); err != nil {
			return fmt.Errorf("failed to initialize domain module %q: %w", path, err)
		}

		r.mu.Lock()
		r.initialized[id] = struct{}{}
		r.mu.Unlock()
		r.log.Info("loaded domain module %q", id)
	}
	return nil
}
