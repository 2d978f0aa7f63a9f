// Package registry is the callee's catalog of creatable types. Types are grouped into
// modules; the registry keeps the modules in load order and resolves a type name against
// them first to last.
//
//	Builtin ("builtin")     types compiled into the worker
//	/opt/x/calc.so          added by LoadAssembly, via PluginLoader
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor creates one new instance of a registered type.
type Constructor func() any

// Module is a named set of constructors.
type Module struct {
	Path string

	mu    sync.RWMutex
	types map[string]Constructor
}

func NewModule(path string) *Module {
	return &Module{Path: path, types: make(map[string]Constructor)}
}

// Register adds a type. Names are unique within a module.
func (m *Module) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("registry: %s: empty type name or nil constructor", m.Path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.types[name]; dup {
		return fmt.Errorf("registry: %s: type %q registered twice", m.Path, name)
	}
	m.types[name] = ctor
	return nil
}

// Types returns the registered names, sorted.
func (m *Module) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.types))
	for name := range m.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates an instance of name.
func (m *Module) New(name string) (any, bool) {
	m.mu.RLock()
	ctor, ok := m.types[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Builtin holds the types linked into the current binary.
var Builtin = NewModule("builtin")

// Register adds a type to Builtin. It is meant for init functions and panics on a
// duplicate name.
func Register(name string, ctor Constructor) {
	if err := Builtin.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Loader opens a module by path.
type Loader interface {
	Load(path string) (*Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string) (*Module, error)

func (f LoaderFunc) Load(path string) (*Module, error) { return f(path) }

// Registry is the ordered search list of modules.
type Registry struct {
	loader Loader

	mu      sync.RWMutex
	modules []*Module
}

// New creates a registry searching modules in the given order. A nil loader means
// PluginLoader.
func New(loader Loader, modules ...*Module) *Registry {
	if loader == nil {
		loader = PluginLoader{}
	}
	r := &Registry{loader: loader}
	for _, m := range modules {
		r.Add(m)
	}
	return r
}

// Add appends m unless a module with the same path is already present.
func (r *Registry) Add(m *Module) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.modules {
		if have.Path == m.Path {
			return false
		}
	}
	r.modules = append(r.modules, m)
	return true
}

// Load opens path through the loader and appends it. Loading the same path twice returns
// the module already present.
func (r *Registry) Load(path string) (*Module, error) {
	r.mu.RLock()
	for _, m := range r.modules {
		if m.Path == path {
			r.mu.RUnlock()
			return m, nil
		}
	}
	r.mu.RUnlock()

	m, err := r.loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", path, err)
	}
	if m.Path == "" {
		m.Path = path
	}
	r.Add(m)
	return m, nil
}

// Resolve creates an instance of typeName from the first module that knows it.
func (r *Registry) Resolve(typeName string) (any, error) {
	r.mu.RLock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.RUnlock()
	for _, m := range modules {
		if v, ok := m.New(typeName); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("registry: type %q not found in %d modules", typeName, len(modules))
}

// Types lists every type name in search order, without duplicates.
func (r *Registry) Types() []string {
	r.mu.RLock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, m := range modules {
		for _, name := range m.Types() {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Paths returns the module paths in search order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.modules))
	for i, m := range r.modules {
		out[i] = m.Path
	}
	return out
}
