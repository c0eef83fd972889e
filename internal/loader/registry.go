// Package loader discovers compiled WebAssembly module artifacts, compiles
// them with the metering middleware armed at each module's computation
// limit, attaches policy, validates guest imports against the closed host
// function table, and produces the registry the executor dispatches
// against.
package loader

import (
	"sync/atomic"

	"github.com/latticerun/modrunner/internal/module"
)

// snapshot is the immutable value a Registry's atomic.Pointer holds. A
// reload builds a new snapshot and swaps it in; readers never observe a
// partially-updated registry.
type snapshot struct {
	byLogType map[string][]*module.PlaidModule
	byName    map[string]*module.PlaidModule
}

// Registry maps log_type -> subscribed modules and name -> module. It is
// read-only during steady state; Swap replaces the whole snapshot
// atomically, per spec.md §5's "registry... swaps are atomic".
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{
		byLogType: map[string][]*module.PlaidModule{},
		byName:    map[string]*module.PlaidModule{},
	})
	return r
}

// Swap atomically replaces the registry contents with mods.
func (r *Registry) Swap(mods []*module.PlaidModule) {
	snap := &snapshot{
		byLogType: map[string][]*module.PlaidModule{},
		byName:    map[string]*module.PlaidModule{},
	}
	for _, m := range mods {
		snap.byName[m.Name] = m
		snap.byLogType[m.SubscribedLogType] = append(snap.byLogType[m.SubscribedLogType], m)
	}
	r.current.Store(snap)
}

// Subscribed returns the modules subscribed to logType, or nil if none.
func (r *Registry) Subscribed(logType string) []*module.PlaidModule {
	return r.current.Load().byLogType[logType]
}

// Lookup returns the module with the given name, if loaded.
func (r *Registry) Lookup(name string) (*module.PlaidModule, bool) {
	m, ok := r.current.Load().byName[name]
	return m, ok
}

// All returns every loaded module.
func (r *Registry) All() []*module.PlaidModule {
	snap := r.current.Load()
	out := make([]*module.PlaidModule, 0, len(snap.byName))
	for _, m := range snap.byName {
		out = append(out, m)
	}
	return out
}
