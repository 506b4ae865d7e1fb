package lasp

import (
	"sync"

	"github.com/stuheiss/lasp/pkg/lattice"
)

// Registry classifies type tags and evaluates threshold predicates. It is
// the single place where lattice polymorphism lives: the executor and the
// coordinator treat values opaquely and only ever ask the registry whether a
// value has advanced far enough.
//
// The registry is populated before the mesh starts and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]lattice.Lattice
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]lattice.Lattice)}
}

// DefaultRegistry returns a registry with the built-in lattices.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(lattice.Counter{})
	reg.Register(lattice.MaxInt{})
	reg.Register(lattice.Set{})
	return reg
}

// Register adds a lattice under its type tag.
func (reg *Registry) Register(l lattice.Lattice) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.types[l.Name()] = l
}

// IsLattice reports whether the type tag carries lattice semantics.
func (reg *Registry) IsLattice(typ string) bool {
	if typ == "" {
		return false
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, has := reg.types[typ]
	return has
}

// Bottom returns the least element of the type's lattice.
func (reg *Registry) Bottom(typ string) (any, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	l, has := reg.types[typ]
	if !has {
		return nil, ErrUnknownType
	}
	return l.Bottom(), nil
}

// Join returns the least upper bound of a and b in the type's lattice. For
// an unregistered type it returns b, which degrades to last-write semantics
// and never happens for cells created through Declare.
func (reg *Registry) Join(typ string, a, b any) any {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	l, has := reg.types[typ]
	if !has {
		return b
	}
	return l.Join(a, b)
}

// ThresholdMet decides whether value has reached the observation point.
func (reg *Registry) ThresholdMet(typ string, value any, th Threshold) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	l, has := reg.types[typ]
	if !has {
		return false
	}
	switch th.Kind {
	case ThresholdAtLeast:
		return l.Leq(th.Value, value)
	case ThresholdStrictlyGreater:
		return l.Leq(th.Value, value) && !l.Leq(value, th.Value)
	}
	return false
}
