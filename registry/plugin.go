package registry

import (
	"fmt"
	"plugin"
)

// RegisterSymbol is the function a plugin module exports:
//
//	func Register(m *registry.Module)
const RegisterSymbol = "Register"

// PluginLoader opens Go plugins built with -buildmode=plugin.
type PluginLoader struct{}

func (PluginLoader) Load(path string) (*Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(RegisterSymbol)
	if err != nil {
		return nil, err
	}
	register, ok := sym.(func(*Module))
	if !ok {
		return nil, fmt.Errorf("%s: symbol %s is %T, want func(*registry.Module)", path, RegisterSymbol, sym)
	}
	m := NewModule(path)
	register(m)
	return m, nil
}
