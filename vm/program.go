package vm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// FunctionShape tells the interpreter how a function is activated.
type FunctionShape uint8

const (
	ShapeFunction FunctionShape = iota
	// ShapeGenerator functions are step functions: calling one creates a
	// Generator whose Resume runs the step once.
	ShapeGenerator
	// ShapeIterable generators hand out a fresh Generator per iterator.
	ShapeIterable
)

func (s FunctionShape) String() string {
	switch s {
	case ShapeFunction:
		return "function"
	case ShapeGenerator:
		return "generator"
	case ShapeIterable:
		return "iterable"
	}
	return fmt.Sprintf("FunctionShape(%d)", s)
}

// Generator step functions keep their state and current value in these
// arena slots.
const (
	GeneratorStateSlot   = 0
	GeneratorCurrentSlot = 1
)

// Generator state values.
const (
	GeneratorNotStarted = 0
	GeneratorFinished   = -1
)

// Function is a compiled function body.
type Function struct {
	Name      string
	Shape     FunctionShape
	NumParams int
	NumLocals int
	// NumCells is the size of the arena created per activation (per
	// generator for generator shapes). Zero means the function runs
	// directly in its closure's arena.
	NumCells int
	// ParamCells maps each parameter to the arena slot it lives in, or -1
	// when the parameter is an ordinary local.
	ParamCells []int
	Code       *Code

	prog *Program
}

// Program returns the program the function belongs to.
func (fn *Function) Program() *Program { return fn.prog }

func (fn *Function) String() string {
	return fmt.Sprintf("<%s %s/%d>", fn.Shape, fn.Name, fn.NumParams)
}

// Closure is a function value: a function paired with the arena of the
// activation that created it.
type Closure struct {
	Fn  *Function
	Env *Arena
}

func (c *Closure) String() string { return c.Fn.String() }

// Program is the result of compiling one top-level lambda. Functions[0] is
// the entry point; MAKE_CLOSURE indexes the rest.
type Program struct {
	ID        uuid.UUID
	Name      string
	Functions []*Function

	rt *Runtime
}

// NewProgram links fns into a program with a fresh ID.
func NewProgram(rt *Runtime, name string, fns []*Function) *Program {
	return RestoreProgram(rt, uuid.New(), name, fns)
}

// RestoreProgram links fns into a program with a known ID.
func RestoreProgram(rt *Runtime, id uuid.UUID, name string, fns []*Function) *Program {
	p := &Program{ID: id, Name: name, Functions: fns, rt: rt}
	for _, fn := range fns {
		fn.prog = p
	}
	return p
}

// Entry returns the entry function.
func (p *Program) Entry() *Function { return p.Functions[0] }

// Runtime returns the runtime the program was built for.
func (p *Program) Runtime() *Runtime { return p.rt }

func (p *Program) checkArgs(args []Value) error {
	if n := p.Entry().NumParams; len(args) != n {
		return fmt.Errorf("%s: expected %d arguments, got %d", p.Name, n, len(args))
	}
	return nil
}

// Run executes the entry function to completion. An exception escaping
// the program is returned as a *ThrownError.
func (p *Program) Run(ctx context.Context, args ...Value) (Value, error) {
	if err := p.checkArgs(args); err != nil {
		return Nil, err
	}
	if p.Entry().Shape != ShapeFunction {
		return Nil, fmt.Errorf("%s: program is a %s; use MakeGenerator", p.Name, p.Entry().Shape)
	}
	log.Debugf("run %s (%s)", p.Name, p.ID)
	return p.rt.NewInterpreter(ctx).Invoke(p.Entry(), nil, args)
}

// MakeGenerator creates a generator over the entry step function. Each
// call starts from scratch with fresh storage.
func (p *Program) MakeGenerator(ctx context.Context, args ...Value) (*Generator, error) {
	if err := p.checkArgs(args); err != nil {
		return nil, err
	}
	if p.Entry().Shape == ShapeFunction {
		return nil, fmt.Errorf("%s: program is not a generator", p.Name)
	}
	return newGenerator(ctx, p.rt, p.Entry(), nil, args), nil
}

// Iterable returns an iterable over the entry generator, bound to args.
func (p *Program) Iterable(args ...Value) (*Iterable, error) {
	if err := p.checkArgs(args); err != nil {
		return nil, err
	}
	if p.Entry().Shape != ShapeIterable {
		return nil, fmt.Errorf("%s: program is a %s, not an iterable", p.Name, p.Entry().Shape)
	}
	return &Iterable{rt: p.rt, fn: p.Entry(), args: args}, nil
}
