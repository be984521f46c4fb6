package vm

import (
	"errors"
	"math"
)

// CompiledLoop is the tiered form of a loop: one pre-decoded closure per
// instruction of [start, end). Instructions without a closure, and
// closures that return ok=false, hand control back to the interpreter at
// that instruction, which re-executes it with full semantics.
type CompiledLoop struct {
	start, end int
	steps      []loopStep
	native     int
}

// loopStep executes one instruction against the frame. It must not
// mutate the frame when it returns ok=false.
type loopStep func(f *Frame, tok *CancelToken) (next int, ok bool)

var errNothingToCompile = errors.New("no instruction in the loop body can be compiled")

func compileLoop(code *Code, loop *LoopInfo) (*CompiledLoop, error) {
	if loop.Start < 0 || loop.End > len(code.Instrs) || loop.Start >= loop.End {
		return nil, errors.New("loop range is invalid")
	}
	cl := &CompiledLoop{start: loop.Start, end: loop.End, steps: make([]loopStep, loop.End-loop.Start)}
	for pc := loop.Start + 1; pc < loop.End; pc++ {
		if s := compileStep(code, pc); s != nil {
			cl.steps[pc-loop.Start] = s
			cl.native++
		}
	}
	if cl.native == 0 {
		return nil, errNothingToCompile
	}
	return cl, nil
}

// run executes the loop from just after its header and returns the ip at
// which the interpreter continues.
func (cl *CompiledLoop) run(f *Frame, tok *CancelToken) int {
	ip := cl.start + 1
	for ip >= cl.start && ip < cl.end {
		if ip == cl.start {
			ip++
			continue
		}
		s := cl.steps[ip-cl.start]
		if s == nil {
			return ip
		}
		next, ok := s(f, tok)
		if !ok {
			return ip
		}
		ip = next
	}
	return ip
}

func compileStep(code *Code, pc int) loopStep {
	ins := code.Instrs[pc]
	next := pc + 1
	switch ins.Op {
	case OpNOP, OpLoopHeader:
		return func(*Frame, *CancelToken) (int, bool) { return next, true }

	case OpPOP:
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.drop(1)
			return next, true
		}

	case OpDUP:
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.push(f.top())
			return next, true
		}

	case OpPushNil, OpPushTrue, OpPushFalse, OpPushInt, OpPushConst:
		var v Value
		switch ins.Op {
		case OpPushTrue:
			v = True
		case OpPushFalse:
			v = False
		case OpPushInt:
			v = FromInt(int64(ins.A))
		case OpPushConst:
			v = code.Consts[ins.A]
		}
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.push(v)
			return next, true
		}

	case OpLoadLocal:
		idx := int(ins.A)
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.push(f.slots[idx])
			return next, true
		}

	case OpStoreLocal:
		idx := int(ins.A)
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.slots[idx] = f.pop()
			return next, true
		}

	case OpLoadCell:
		idx, depth := int(ins.A), ins.B
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.push(f.arena.up(depth).Slots[idx])
			return next, true
		}

	case OpStoreCell:
		idx, depth := int(ins.A), ins.B
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.arena.up(depth).Slots[idx] = f.pop()
			return next, true
		}

	case OpLoadSlot:
		idx := int(ins.A)
		return func(f *Frame, _ *CancelToken) (int, bool) {
			a, ok := f.slots[f.sp-1].Ref().(*Arena)
			if !ok || a == nil || idx >= len(a.Slots) {
				return pc, false
			}
			f.slots[f.sp-1] = a.Slots[idx]
			return next, true
		}

	case OpStoreSlot:
		idx := int(ins.A)
		return func(f *Frame, _ *CancelToken) (int, bool) {
			a, ok := f.slots[f.sp-1].Ref().(*Arena)
			if !ok || a == nil || idx >= len(a.Slots) {
				return pc, false
			}
			f.pop()
			a.Slots[idx] = f.pop()
			return next, true
		}

	case OpAdd, OpSub, OpMul:
		op := ins.Op
		return func(f *Frame, _ *CancelToken) (int, bool) {
			a, b := f.slots[f.sp-2], f.slots[f.sp-1]
			if a.kind != KindInt || b.kind != KindInt {
				return pc, false
			}
			var r int64
			switch op {
			case OpAdd:
				r = a.Int() + b.Int()
			case OpSub:
				r = a.Int() - b.Int()
			default:
				r = a.Int() * b.Int()
			}
			f.drop(1)
			f.slots[f.sp-1] = FromInt(r)
			return next, true
		}

	case OpDiv, OpMod, OpAddChecked, OpSubChecked, OpMulChecked:
		// Exceptions are raised by the interpreter.
		op := ins.Op
		return func(f *Frame, _ *CancelToken) (int, bool) {
			a, b := f.slots[f.sp-2], f.slots[f.sp-1]
			r, exc := arith(op, a, b)
			if exc != nil {
				return pc, false
			}
			f.drop(1)
			f.slots[f.sp-1] = r
			return next, true
		}

	case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
		op := ins.Op
		return func(f *Frame, _ *CancelToken) (int, bool) {
			a, b := f.slots[f.sp-2], f.slots[f.sp-1]
			r, exc := compare(op, a, b)
			if exc != nil {
				return pc, false
			}
			f.drop(1)
			f.slots[f.sp-1] = r
			return next, true
		}

	case OpNot:
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.slots[f.sp-1] = FromBool(!f.slots[f.sp-1].Truthy())
			return next, true
		}

	case OpIsNil:
		return func(f *Frame, _ *CancelToken) (int, bool) {
			f.slots[f.sp-1] = FromBool(f.slots[f.sp-1].IsNil())
			return next, true
		}

	case OpNeg:
		return func(f *Frame, _ *CancelToken) (int, bool) {
			r, exc := negate(f.slots[f.sp-1])
			if exc != nil {
				return pc, false
			}
			f.slots[f.sp-1] = r
			return next, true
		}

	case OpJump:
		target := pc + int(ins.A)
		if ins.A <= 0 {
			return func(_ *Frame, tok *CancelToken) (int, bool) {
				if tok.IsCancelled() {
					return pc, false
				}
				return target, true
			}
		}
		return func(*Frame, *CancelToken) (int, bool) { return target, true }

	case OpJumpTrue, OpJumpFalse:
		target := pc + int(ins.A)
		want := ins.Op == OpJumpTrue
		backward := ins.A <= 0
		return func(f *Frame, tok *CancelToken) (int, bool) {
			if backward && tok.IsCancelled() {
				return pc, false
			}
			if f.pop().Truthy() == want {
				return target, true
			}
			return next, true
		}

	case OpSafePoint:
		return func(_ *Frame, tok *CancelToken) (int, bool) {
			if tok.IsCancelled() {
				return pc, false
			}
			return next, true
		}
	}
	return nil
}

// fitsInt32 reports whether n can be an inline operand.
func fitsInt32(n int64) bool {
	return n >= math.MinInt32 && n <= math.MaxInt32
}
