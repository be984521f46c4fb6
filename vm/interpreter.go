package vm

import (
	"errors"
	"fmt"
)

// Interpreter executes Code. An interpreter is single-threaded: one
// logical call stack, run synchronously on the calling goroutine. Create
// one per concurrent execution from a shared Runtime.
type Interpreter struct {
	rt     *Runtime
	cancel *CancelToken
	depth  int
}

// Token returns the interpreter's cancellation token.
func (i *Interpreter) Token() *CancelToken { return i.cancel }

// Runtime returns the interpreter's runtime.
func (i *Interpreter) Runtime() *Runtime { return i.rt }

// Call invokes a function value (closure or host function) from Go.
func (i *Interpreter) Call(callee Value, args ...Value) (Value, error) {
	return i.callValue(nil, callee, args)
}

// Invoke runs fn with args in a new frame. Generator-shaped functions are
// not run: the result is a *Generator (or *Iterable) over fresh storage.
func (i *Interpreter) Invoke(fn *Function, env *Arena, args []Value) (Value, error) {
	if exc := checkArity(fn, len(args)); exc != nil {
		return Nil, exc
	}
	return i.activate(fn, env, args)
}

func checkArity(fn *Function, argc int) *Exception {
	if argc != fn.NumParams {
		return NewException(ExcTypeError, "%s: expected %d arguments, got %d", fn.Name, fn.NumParams, argc)
	}
	return nil
}

// activate is Invoke for arguments already known to match fn's arity.
func (i *Interpreter) activate(fn *Function, env *Arena, args []Value) (Value, error) {
	switch fn.Shape {
	case ShapeGenerator:
		return FromRef(newGenerator(i.cancel.Context(), i.rt, fn, env, args)), nil
	case ShapeIterable:
		return FromRef(&Iterable{rt: i.rt, fn: fn, env: env, args: append([]Value(nil), args...)}), nil
	}

	arena := env
	if fn.NumCells > 0 {
		arena = newArena(fn.NumCells, env)
	}
	f := newFrame(fn, arena)
	copy(f.slots, args)
	for p, slot := range fn.ParamCells {
		if slot >= 0 {
			arena.Slots[slot] = args[p]
		}
	}
	return i.execute(f)
}

// step runs one resumption of a generator's step function.
func (i *Interpreter) step(g *Generator) (Value, error) {
	return i.execute(newFrame(g.fn, g.arena))
}

func (i *Interpreter) execute(f *Frame) (Value, error) {
	if i.depth >= i.rt.opts.MaxCallDepth {
		exc := NewException(ExcStackOverflow, "call depth exceeds %d", i.rt.opts.MaxCallDepth)
		return Nil, &ThrownError{Value: i.origin(exc)}
	}
	i.depth++
	defer func() { i.depth-- }()
	return i.run(f)
}

// origin records a newly raised exception.
func (i *Interpreter) origin(exc *Exception) Value {
	v := FromRef(exc)
	i.rt.metrics.thrown(v)
	return v
}

// raise routes v to the innermost handler of f covering pc. It returns
// false when the exception leaves the frame.
func (i *Interpreter) raise(f *Frame, pc int, v Value) bool {
	h := f.findHandler(pc, v)
	if h == nil {
		return false
	}
	f.ip = f.enterHandler(h, v)
	return true
}

// run is the dispatch loop.
func (i *Interpreter) run(f *Frame) (Value, error) {
	code := f.code
	for {
		pc := f.ip
		ins := code.Instrs[pc]
		f.ip = pc + 1

		var thrown Value
		throwing := false

		switch ins.Op {
		// Stack operations
		case OpNOP:
		case OpPOP:
			f.drop(1)
		case OpDUP:
			f.push(f.top())

		// Push constants
		case OpPushNil:
			f.push(Nil)
		case OpPushTrue:
			f.push(True)
		case OpPushFalse:
			f.push(False)
		case OpPushInt:
			f.push(FromInt(int64(ins.A)))
		case OpPushConst:
			f.push(code.Consts[ins.A])

		// Variables
		case OpLoadLocal:
			f.push(f.slots[ins.A])
		case OpStoreLocal:
			f.slots[ins.A] = f.pop()
		case OpLoadCell:
			f.push(f.arena.up(ins.B).Slots[ins.A])
		case OpStoreCell:
			f.arena.up(ins.B).Slots[ins.A] = f.pop()
		case OpLoadHost:
			site := code.CallSites[ins.A]
			h, ok := i.rt.hosts.Lookup(site.Name)
			if !ok {
				thrown, throwing = i.origin(NewException(ExcUndefinedHost, "%s", site.Name)), true
				break
			}
			f.push(FromRef(h))
		case OpLoadField:
			v, exc := i.rt.fields.Load(f.pop(), code.Consts[ins.A].Str())
			if exc != nil {
				thrown, throwing = i.origin(exc), true
				break
			}
			f.push(v)
		case OpStoreField:
			v := f.pop()
			if exc := i.rt.fields.Store(f.pop(), code.Consts[ins.A].Str(), v); exc != nil {
				thrown, throwing = i.origin(exc), true
			}
		case OpPushArena:
			f.push(FromRef(f.arena))
		case OpNewScope:
			parent, ok := f.pop().Ref().(*Arena)
			if !ok {
				thrown, throwing = i.origin(NewException(ExcTypeError, "scope parent is not an arena")), true
				break
			}
			f.push(FromRef(newArena(int(ins.A), parent)))
		case OpLoadSlot:
			a, exc := scopeOf(f.pop(), ins.A)
			if exc != nil {
				thrown, throwing = i.origin(exc), true
				break
			}
			f.push(a.Slots[ins.A])
		case OpStoreSlot:
			a, exc := scopeOf(f.pop(), ins.A)
			v := f.pop()
			if exc != nil {
				thrown, throwing = i.origin(exc), true
				break
			}
			a.Slots[ins.A] = v

		// Arithmetic and comparison
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAddChecked, OpSubChecked, OpMulChecked,
			OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
			b := f.pop()
			a := f.pop()
			r, exc := binaryOp(ins.Op, a, b)
			if exc != nil {
				thrown, throwing = i.origin(exc), true
				break
			}
			f.push(r)
		case OpNeg:
			r, exc := negate(f.pop())
			if exc != nil {
				thrown, throwing = i.origin(exc), true
				break
			}
			f.push(r)
		case OpNot:
			f.push(FromBool(!f.pop().Truthy()))
		case OpIsNil:
			f.push(FromBool(f.pop().IsNil()))

		// Control flow
		case OpJump:
			if ins.A <= 0 && i.cancel.IsCancelled() {
				thrown, throwing = i.origin(i.cancel.exception()), true
				break
			}
			f.ip = pc + int(ins.A)
		case OpJumpTrue, OpJumpFalse:
			if ins.A <= 0 && i.cancel.IsCancelled() {
				thrown, throwing = i.origin(i.cancel.exception()), true
				break
			}
			if f.pop().Truthy() == (ins.Op == OpJumpTrue) {
				f.ip = pc + int(ins.A)
			}
		case OpSwitch:
			t := &code.Switches[ins.A]
			label := t.Default
			if v := f.pop(); v.IsInt() {
				label = t.lookup(v.Int())
			}
			f.ip = code.Labels[label].Index
		case OpGoto:
			if code.Labels[ins.A].Index <= pc && i.cancel.IsCancelled() {
				thrown, throwing = i.origin(i.cancel.exception()), true
				break
			}
			f.ip = f.gotoLabel(int(ins.A))
		case OpLoopHeader:
			loop := code.Loops[ins.A]
			if cl := loop.Compiled(); cl != nil {
				f.ip = cl.run(f, i.cancel)
				break
			}
			i.rt.tier.observe(f.fn, loop)
		case OpSafePoint, OpLeaveCatch:
			if i.cancel.IsCancelled() {
				thrown, throwing = i.origin(i.cancel.exception()), true
			}

		// Calls
		case OpCallHost:
			site := code.CallSites[ins.A]
			h, ok := i.rt.hosts.Lookup(site.Name)
			if !ok {
				thrown, throwing = i.origin(NewException(ExcUndefinedHost, "%s", site.Name)), true
				break
			}
			r, err := i.callHost(h, i.hostInvoker(site, h), f.slots[f.sp-site.Argc:f.sp])
			f.drop(site.Argc)
			if err != nil {
				thrown, throwing = i.errorValue(err), true
				break
			}
			f.push(r)
		case OpCall:
			argc := int(ins.A)
			callee := f.slots[f.sp-argc-1]
			r, err := i.callValue(code.CallSites[ins.B], callee, f.slots[f.sp-argc:f.sp])
			f.drop(argc + 1)
			if err != nil {
				thrown, throwing = i.errorValue(err), true
				break
			}
			f.push(r)
		case OpMakeClosure:
			fn := f.fn.prog.Functions[ins.A]
			f.push(FromRef(&Closure{Fn: fn, Env: f.arena}))
		case OpMakeClosureIn:
			env, ok := f.pop().Ref().(*Arena)
			if !ok {
				thrown, throwing = i.origin(NewException(ExcTypeError, "closure environment is not an arena")), true
				break
			}
			f.push(FromRef(&Closure{Fn: f.fn.prog.Functions[ins.A], Env: env}))
		case OpReturn:
			return f.pop(), nil

		// Exceptions and continuations
		case OpThrow:
			thrown, throwing = f.pop(), true
			i.rt.metrics.thrown(thrown)
		case OpEnterTryFinally:
			f.conts = append(f.conts, int(ins.A))
		case OpEnterFinally:
			f.enterFinally()
		case OpLeaveFinally:
			exc := f.pop()
			pending := int(f.pop().Int())
			if i.cancel.IsCancelled() {
				thrown, throwing = i.origin(i.cancel.exception()), true
				break
			}
			switch pending {
			case pendingRethrow:
				thrown, throwing = exc, true
			case noPending:
			default:
				f.pending = pending
				f.ip = f.yieldToPendingContinuation()
			}
		case OpLeaveFault:
			exc := f.pop()
			if i.cancel.IsCancelled() {
				exc = i.origin(i.cancel.exception())
			}
			thrown, throwing = exc, true

		default:
			panic(fmt.Sprintf("%s: unknown opcode %s at %d", f.fn.Name, ins.Op, pc))
		}

		if throwing && !i.raise(f, pc, thrown) {
			return Nil, &ThrownError{Value: thrown}
		}
	}
}

// errorValue turns a callee error into the value to raise here. Runtime
// exceptions created by callees are counted where they are created.
func (i *Interpreter) errorValue(err error) Value {
	var te *ThrownError
	if errors.As(err, &te) {
		return te.Value
	}
	var exc *Exception
	if errors.As(err, &exc) {
		return i.origin(exc)
	}
	return i.origin(&Exception{Kind: ExcHostError, Message: err.Error(), Cause: err})
}

// hostInvoker resolves h through the site's inline cache.
func (i *Interpreter) hostInvoker(site *CallSite, h *HostFunc) *Invoker {
	if site != nil {
		if e, ok := site.cache.Lookup(h); ok {
			return e.Invoker
		}
	}
	inv := i.rt.dispatch.Resolve(h)
	if site != nil {
		site.cache.Update(InlineCacheEntry{Key: h, Invoker: inv})
	}
	return inv
}

// callHost invokes a host function. A panicking host function raises a
// HostError instead of unwinding the interpreter.
func (i *Interpreter) callHost(h *HostFunc, inv *Invoker, args []Value) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = Nil, &Exception{Kind: ExcHostError, Message: fmt.Sprintf("%s panicked: %v", h.Name, r)}
		}
	}()
	i.rt.dispatch.record(inv)
	v, err = inv.Call(args)
	if err == nil {
		return v, nil
	}
	var te *ThrownError
	var exc *Exception
	if errors.As(err, &te) || errors.As(err, &exc) {
		return Nil, err
	}
	return Nil, &Exception{Kind: ExcHostError, Message: h.Name + ": " + err.Error(), Cause: err}
}

// callValue calls a closure or host function value. args is only valid
// for the duration of the call.
func (i *Interpreter) callValue(site *CallSite, callee Value, args []Value) (Value, error) {
	switch c := callee.Ref().(type) {
	case *Closure:
		if site == nil {
			return i.Invoke(c.Fn, c.Env, args)
		}
		// A site only caches functions that accept its argument count.
		if _, ok := site.cache.Lookup(c.Fn); ok {
			return i.activate(c.Fn, c.Env, args)
		}
		if exc := checkArity(c.Fn, len(args)); exc != nil {
			return Nil, exc
		}
		site.cache.Update(InlineCacheEntry{Key: c.Fn})
		return i.activate(c.Fn, c.Env, args)
	case *HostFunc:
		return i.callHost(c, i.hostInvoker(site, c), args)
	}
	return Nil, NewException(ExcTypeError, "%s is not callable", callee.Kind())
}
