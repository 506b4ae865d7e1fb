package lasp

import (
	"context"
	"fmt"
	"sync"
)

// ProgramHost executes user computations spawned with Thread. The core
// forwards (module, function, args) opaquely and places no constraint on
// the computation beyond its use of the store operations.
type ProgramHost interface {
	Execute(ctx context.Context, module, function string, args []any) error
}

// Program is a unit of user computation. Programs close over whatever store
// handle they need; the host only passes the spawn arguments through.
type Program func(ctx context.Context, args []any) error

// ProgramRegistry is the in-process ProgramHost: a map of registered
// functions keyed by module and function name.
type ProgramRegistry struct {
	mu       sync.RWMutex
	programs map[string]Program
}

var _ ProgramHost = (*ProgramRegistry)(nil)

func NewProgramRegistry() *ProgramRegistry {
	return &ProgramRegistry{programs: make(map[string]Program)}
}

// Register makes a program spawnable under module/function. Later
// registrations replace earlier ones.
func (r *ProgramRegistry) Register(module, function string, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[module+"/"+function] = p
}

func (r *ProgramRegistry) Execute(ctx context.Context, module, function string, args []any) error {
	r.mu.RLock()
	p, has := r.programs[module+"/"+function]
	r.mu.RUnlock()
	if !has {
		return fmt.Errorf("%w: %s/%s", ErrUnknownProgram, module, function)
	}
	return p(ctx, args)
}
