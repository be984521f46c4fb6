package vm

import "fmt"

// Arena holds the slots of variables that outlive a single frame: those
// captured by closures and those hoisted across generator suspensions.
// LOAD_CELL walks Parent links to reach enclosing activations.
type Arena struct {
	Slots  []Value
	Parent *Arena
}

func newArena(n int, parent *Arena) *Arena {
	return &Arena{Slots: make([]Value, n), Parent: parent}
}

func (a *Arena) up(depth int32) *Arena {
	for ; depth > 0; depth-- {
		a = a.Parent
	}
	return a
}

// scopeOf returns the arena held by v when it has a slot at index slot.
func scopeOf(v Value, slot int32) (*Arena, *Exception) {
	a, ok := v.Ref().(*Arena)
	if !ok || a == nil || slot < 0 || int(slot) >= len(a.Slots) {
		return nil, NewException(ExcTypeError, "%s is not a scope with slot %d", v.Kind(), slot)
	}
	return a, nil
}

// Pending-continuation markers.
const (
	noPending      = -2
	pendingRethrow = -1
)

// Frame is one activation: locals and operand stack share a single array.
type Frame struct {
	fn    *Function
	code  *Code
	slots []Value
	base  int // first operand-stack slot
	sp    int // next free slot
	ip    int
	arena *Arena

	// Runtime labels of the finally blocks of the enclosing try/finally
	// regions, innermost last.
	conts      []int
	pending    int
	pendingExc Value
}

func newFrame(fn *Function, arena *Arena) *Frame {
	code := fn.Code
	f := &Frame{
		fn:      fn,
		code:    code,
		slots:   make([]Value, fn.NumLocals+code.MaxStack),
		base:    fn.NumLocals,
		sp:      fn.NumLocals,
		arena:   arena,
		pending: noPending,
	}
	if code.MaxCont > 0 {
		f.conts = make([]int, 0, code.MaxCont)
	}
	return f
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (f *Frame) push(v Value) {
	if f.sp >= len(f.slots) {
		panic(fmt.Sprintf("%s: operand stack exceeds static max depth %d at %d", f.fn.Name, f.code.MaxStack, f.ip))
	}
	f.slots[f.sp] = v
	f.sp++
}

func (f *Frame) pop() Value {
	if f.sp <= f.base {
		panic(fmt.Sprintf("%s: stack underflow at %d", f.fn.Name, f.ip))
	}
	f.sp--
	v := f.slots[f.sp]
	f.slots[f.sp] = Nil
	return v
}

func (f *Frame) top() Value {
	if f.sp <= f.base {
		panic(fmt.Sprintf("%s: stack underflow at %d", f.fn.Name, f.ip))
	}
	return f.slots[f.sp-1]
}

// drop discards n values.
func (f *Frame) drop(n int) {
	if f.sp-n < f.base {
		panic(fmt.Sprintf("%s: stack underflow at %d", f.fn.Name, f.ip))
	}
	for i := f.sp - n; i < f.sp; i++ {
		f.slots[i] = Nil
	}
	f.sp -= n
}

// depth returns the operand-stack depth.
func (f *Frame) depth() int { return f.sp - f.base }

func (f *Frame) setDepth(d int) {
	if d > f.depth() {
		panic(fmt.Sprintf("%s: cannot grow stack to %d from %d", f.fn.Name, d, f.depth()))
	}
	f.drop(f.depth() - d)
}

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

// gotoLabel performs a GOTO to runtime label id and returns the next ip.
// A target at the current continuation depth is a plain jump; a target
// outside one or more try/finally regions becomes the pending
// continuation and control enters the innermost finally first.
func (f *Frame) gotoLabel(id int) int {
	t := f.code.Labels[id]
	if t.ContDepth == len(f.conts) {
		f.setDepth(t.StackDepth)
		return t.Index
	}
	if t.ContDepth > len(f.conts) {
		panic(fmt.Sprintf("%s: goto at %d enters a protected region", f.fn.Name, f.ip))
	}
	f.pending = id
	return f.yieldToCurrentContinuation()
}

// yieldToCurrentContinuation transfers to the innermost pending finally.
func (f *Frame) yieldToCurrentContinuation() int {
	if len(f.conts) == 0 {
		panic(fmt.Sprintf("%s: continuation underflow at %d", f.fn.Name, f.ip))
	}
	t := f.code.Labels[f.conts[len(f.conts)-1]]
	f.setDepth(t.StackDepth)
	return t.Index
}

// yieldToPendingContinuation resumes the pending goto after a finally
// block completes, passing through further finally blocks if the target
// lies outside them too.
func (f *Frame) yieldToPendingContinuation() int {
	t := f.code.Labels[f.pending]
	if t.ContDepth < len(f.conts) {
		return f.yieldToCurrentContinuation()
	}
	f.pending = noPending
	f.setDepth(t.StackDepth)
	return t.Index
}

func (f *Frame) enterFinally() {
	if len(f.conts) == 0 {
		panic(fmt.Sprintf("%s: continuation underflow at %d", f.fn.Name, f.ip))
	}
	f.conts = f.conts[:len(f.conts)-1]
	f.push(FromInt(int64(f.pending)))
	f.push(f.pendingExc)
	f.pending = noPending
	f.pendingExc = Nil
}

// findHandler returns the innermost handler covering pc that accepts v.
func (f *Frame) findHandler(pc int, v Value) *Handler {
	for i := range f.code.Handlers {
		h := &f.code.Handlers[i]
		if !h.covers(pc) {
			continue
		}
		if h.Kind == HandlerCatch && !filterMatches(h.Filter, v) {
			continue
		}
		return h
	}
	return nil
}

// enterHandler unwinds to h and returns the handler's first instruction.
func (f *Frame) enterHandler(h *Handler, v Value) int {
	f.setDepth(h.StackDepth)
	f.conts = f.conts[:h.ContDepth]
	if h.Kind == HandlerFinally {
		f.pending = pendingRethrow
		f.pendingExc = v
	} else {
		f.push(v)
	}
	return f.code.Labels[h.Target].Index
}
