package vm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGeneratorRunning is returned when Resume is re-entered.
var ErrGeneratorRunning = errors.New("generator is already running")

// Generator drives a compiled step function. The step function reads and
// writes its state and current value through the generator's arena; each
// Resume runs it once.
type Generator struct {
	ctx   context.Context
	rt    *Runtime
	fn    *Function
	arena *Arena

	done    bool
	running bool
}

func newGenerator(ctx context.Context, rt *Runtime, fn *Function, env *Arena, args []Value) *Generator {
	arena := newArena(fn.NumCells, env)
	arena.Slots[GeneratorStateSlot] = FromInt(GeneratorNotStarted)
	for i, slot := range fn.ParamCells {
		if slot >= 0 && i < len(args) {
			arena.Slots[slot] = args[i]
		}
	}
	return &Generator{ctx: ctx, rt: rt, fn: fn, arena: arena}
}

// Resume runs the generator to its next yield. It returns the produced
// value and true, or false once the generator has finished. An exception
// raised by the body finishes the generator and is returned.
func (g *Generator) Resume() (Value, bool, error) {
	if g.done {
		return Nil, false, nil
	}
	if g.running {
		return Nil, false, ErrGeneratorRunning
	}
	g.running = true
	defer func() { g.running = false }()

	produced, err := g.rt.NewInterpreter(g.ctx).step(g)
	if err != nil {
		g.finish()
		return Nil, false, err
	}
	if !produced.Truthy() {
		g.finish()
		return Nil, false, nil
	}
	return g.arena.Slots[GeneratorCurrentSlot], true, nil
}

func (g *Generator) finish() {
	g.done = true
	g.arena.Slots[GeneratorStateSlot] = FromInt(GeneratorFinished)
	g.arena.Slots[GeneratorCurrentSlot] = Nil
}

// Done reports whether the generator has finished.
func (g *Generator) Done() bool { return g.done }

// State returns the current resume state: 0 before the first Resume, the
// id of the last yield while suspended, -1 once finished.
func (g *Generator) State() int64 { return g.arena.Slots[GeneratorStateSlot].Int() }

// Drain resumes until the generator finishes or limit values were
// produced (limit <= 0 means no limit).
func (g *Generator) Drain(limit int) ([]Value, error) {
	var out []Value
	for limit <= 0 || len(out) < limit {
		v, ok, err := g.Resume()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, nil
}

func (g *Generator) String() string {
	return fmt.Sprintf("<generator %s state=%d>", g.fn.Name, g.State())
}

// Iterable hands out independent generators over the same step function.
type Iterable struct {
	rt   *Runtime
	fn   *Function
	env  *Arena
	args []Value
}

// Iterator returns a new generator with fresh storage.
func (it *Iterable) Iterator(ctx context.Context) *Generator {
	return newGenerator(ctx, it.rt, it.fn, it.env, it.args)
}

func (it *Iterable) String() string {
	return fmt.Sprintf("<iterable %s>", it.fn.Name)
}
