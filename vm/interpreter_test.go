package vm

import (
	"context"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestRuntime(t *testing.T, configure ...func(*Options)) *Runtime {
	t.Helper()
	opts := DefaultOptions()
	opts.Tiering.Background = false
	for _, c := range configure {
		c(&opts)
	}
	rt := NewRuntime(opts)
	t.Cleanup(rt.Close)
	return rt
}

// assemble builds a single-function program from hand-written code.
func assemble(t *testing.T, rt *Runtime, params, locals int, build func(il *InstructionList)) *Program {
	t.Helper()
	il := NewInstructionList()
	build(il)
	code, err := il.ToArray()
	if err != nil {
		t.Fatalf("ToArray: %v", err)
	}
	fn := &Function{
		Name:      t.Name(),
		NumParams: params,
		NumLocals: locals,
		Code:      code,
	}
	return NewProgram(rt, t.Name(), []*Function{fn})
}

func mustRun(t *testing.T, p *Program, args ...Value) Value {
	t.Helper()
	v, err := p.Run(context.Background(), args...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}

func thrownKind(t *testing.T, err error) string {
	t.Helper()
	var te *ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not a thrown exception", err)
	}
	exc, ok := ExceptionOf(te.Value)
	if !ok {
		t.Fatalf("thrown value %v is not an exception", te.Value)
	}
	return exc.Kind
}

// sumLoop assembles `s = 0; for i = 0; i < n; i++ { s += i }; return s`
// with n in parameter 0.
func sumLoop(il *InstructionList) {
	const n, i, s = 0, 1, 2
	il.Emit(OpPushInt, 0)
	il.Emit(OpStoreLocal, i)
	il.Emit(OpPushInt, 0)
	il.Emit(OpStoreLocal, s)

	head, exit := il.NewLabel(), il.NewLabel()
	il.MarkLabel(head)
	loop := il.BeginLoop()
	il.Emit(OpLoadLocal, i)
	il.Emit(OpLoadLocal, n)
	il.Emit(OpLT)
	il.EmitBranch(OpJumpFalse, exit)
	il.Emit(OpLoadLocal, s)
	il.Emit(OpLoadLocal, i)
	il.Emit(OpAdd)
	il.Emit(OpStoreLocal, s)
	il.Emit(OpLoadLocal, i)
	il.Emit(OpPushInt, 1)
	il.Emit(OpAdd)
	il.Emit(OpStoreLocal, i)
	il.EmitBranch(OpJump, head)
	il.EndLoop(loop)

	il.MarkLabel(exit)
	il.Emit(OpLoadLocal, s)
	il.Emit(OpReturn)
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestInterpreterConstants(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"nil", Nil},
		{"true", True},
		{"false", False},
		{"small int", FromInt(-7)},
		{"wide int", FromInt(1 << 50)},
		{"float", FromFloat64(2.5)},
		{"string", FromString("tern")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			p := assemble(t, rt, 0, 0, func(il *InstructionList) {
				il.EmitConst(tt.value)
				il.Emit(OpReturn)
			})
			got := mustRun(t, p)
			if got.Kind() != tt.value.Kind() || !Equal(got, tt.value) {
				t.Errorf("result = %v, want %v", got, tt.value)
			}
		})
	}
}

func TestInterpreterArithmetic(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		want Value
	}{
		{OpAdd, FromInt(2), FromInt(3), FromInt(5)},
		{OpSub, FromInt(2), FromInt(3), FromInt(-1)},
		{OpMul, FromInt(6), FromInt(7), FromInt(42)},
		{OpDiv, FromInt(7), FromInt(2), FromInt(3)},
		{OpMod, FromInt(7), FromInt(2), FromInt(1)},
		{OpAdd, FromInt(1), FromFloat64(0.5), FromFloat64(1.5)},
		{OpLT, FromInt(1), FromInt(2), True},
		{OpGE, FromInt(1), FromInt(2), False},
		{OpEQ, FromInt(2), FromFloat64(2), True},
		{OpNE, FromString("a"), FromString("b"), True},
	}
	for _, tt := range tests {
		t.Run(tt.op.Name(), func(t *testing.T) {
			rt := newTestRuntime(t)
			p := assemble(t, rt, 0, 0, func(il *InstructionList) {
				il.EmitConst(tt.a)
				il.EmitConst(tt.b)
				il.Emit(tt.op)
				il.Emit(OpReturn)
			})
			got := mustRun(t, p)
			if got.Kind() != tt.want.Kind() || !Equal(got, tt.want) {
				t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestInterpreterLoop(t *testing.T) {
	rt := newTestRuntime(t, func(o *Options) { o.Tiering.Enabled = false })
	p := assemble(t, rt, 1, 3, sumLoop)
	if got := mustRun(t, p, FromInt(10)); got.Int() != 45 {
		t.Errorf("sum = %v, want 45", got)
	}
}

func TestInterpreterSwitch(t *testing.T) {
	rt := newTestRuntime(t)
	p := assemble(t, rt, 1, 1, func(il *InstructionList) {
		one, two, def := il.NewLabel(), il.NewLabel(), il.NewLabel()
		il.Emit(OpLoadLocal, 0)
		il.EmitSwitch([]int64{1, 2}, []*Label{one, two}, def)
		il.MarkLabel(one)
		il.EmitConst(FromString("one"))
		il.Emit(OpReturn)
		il.MarkLabel(two)
		il.EmitConst(FromString("two"))
		il.Emit(OpReturn)
		il.MarkLabel(def)
		il.EmitConst(FromString("other"))
		il.Emit(OpReturn)
	})
	for in, want := range map[Value]string{FromInt(1): "one", FromInt(2): "two", FromInt(3): "other", Nil: "other"} {
		if got := mustRun(t, p, in); got.Str() != want {
			t.Errorf("switch(%v) = %v, want %q", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Continuations and handlers
// ---------------------------------------------------------------------------

func TestGotoRunsFinallyFirst(t *testing.T) {
	rt := newTestRuntime(t)
	// x = 0; try { goto out } finally { x = 1 }; out: return x
	p := assemble(t, rt, 0, 1, func(il *InstructionList) {
		fin, out := il.NewLabel(), il.NewLabel()
		il.Emit(OpPushInt, 0)
		il.Emit(OpStoreLocal, 0)
		il.EmitEnterTryFinally(fin)
		start := il.Len()
		il.EmitGoto(out)
		il.AddHandler(HandlerFinally, start, il.Len(), fin, "", 0, 1, false)

		il.MarkLabel(fin)
		il.Emit(OpEnterFinally)
		il.Emit(OpPushInt, 1)
		il.Emit(OpStoreLocal, 0)
		il.Emit(OpLeaveFinally)

		il.MarkLabel(out)
		il.Emit(OpLoadLocal, 0)
		il.Emit(OpReturn)
	})
	if got := mustRun(t, p); got.Int() != 1 {
		t.Errorf("x = %v, want 1", got)
	}
}

func TestGotoThroughTwoFinallyBlocks(t *testing.T) {
	rt := newTestRuntime(t)
	// try { try { goto out } finally { s = s*10+1 } } finally { s = s*10+2 }
	p := assemble(t, rt, 0, 1, func(il *InstructionList) {
		outer, inner, out := il.NewLabel(), il.NewLabel(), il.NewLabel()
		appendDigit := func(d int32) {
			il.Emit(OpLoadLocal, 0)
			il.Emit(OpPushInt, 10)
			il.Emit(OpMul)
			il.Emit(OpPushInt, d)
			il.Emit(OpAdd)
			il.Emit(OpStoreLocal, 0)
		}
		il.Emit(OpPushInt, 0)
		il.Emit(OpStoreLocal, 0)

		il.EmitEnterTryFinally(outer)
		outerStart := il.Len()
		il.EmitEnterTryFinally(inner)
		innerStart := il.Len()
		il.EmitGoto(out)
		il.AddHandler(HandlerFinally, innerStart, il.Len(), inner, "", 0, 2, false)
		il.MarkLabel(inner)
		il.Emit(OpEnterFinally)
		appendDigit(1)
		il.Emit(OpLeaveFinally)
		il.AddHandler(HandlerFinally, outerStart, il.Len(), outer, "", 0, 1, false)

		il.MarkLabel(outer)
		il.Emit(OpEnterFinally)
		appendDigit(2)
		il.Emit(OpLeaveFinally)

		il.MarkLabel(out)
		il.Emit(OpLoadLocal, 0)
		il.Emit(OpReturn)
	})
	if got := mustRun(t, p); got.Int() != 12 {
		t.Errorf("s = %v, want 12", got)
	}
}

// divideUnder assembles `try { return 1 / 0 } catch (filter) { return 7 }`.
func divideUnder(filter string) func(il *InstructionList) {
	return func(il *InstructionList) {
		h := il.NewLabel()
		start := il.Len()
		il.Emit(OpPushInt, 1)
		il.Emit(OpPushInt, 0)
		il.Emit(OpDiv)
		il.Emit(OpReturn)
		il.AddHandler(HandlerCatch, start, il.Len(), h, filter, 0, 0, false)
		il.MarkLabel(h)
		il.Emit(OpPOP)
		il.Emit(OpPushInt, 7)
		il.Emit(OpReturn)
	}
}

func TestCatchFilter(t *testing.T) {
	rt := newTestRuntime(t)
	if got := mustRun(t, assemble(t, rt, 0, 0, divideUnder(ExcDivideByZero))); got.Int() != 7 {
		t.Errorf("matching filter: result = %v, want 7", got)
	}
	if got := mustRun(t, assemble(t, rt, 0, 0, divideUnder(""))); got.Int() != 7 {
		t.Errorf("catch-all: result = %v, want 7", got)
	}
	_, err := assemble(t, rt, 0, 0, divideUnder(ExcOverflow)).Run(context.Background())
	if kind := thrownKind(t, err); kind != ExcDivideByZero {
		t.Errorf("kind = %s, want %s", kind, ExcDivideByZero)
	}
}

func TestFaultRethrows(t *testing.T) {
	rt := newTestRuntime(t)
	// try { try { throw 5 } fault { x = 1 } } catch e { return e + x }
	p := assemble(t, rt, 0, 1, func(il *InstructionList) {
		fault, catch := il.NewLabel(), il.NewLabel()
		il.Emit(OpPushInt, 0)
		il.Emit(OpStoreLocal, 0)
		outerStart := il.Len()
		innerStart := il.Len()
		il.Emit(OpPushInt, 5)
		il.Emit(OpThrow)
		il.AddHandler(HandlerFault, innerStart, il.Len(), fault, "", 0, 0, false)
		il.MarkLabel(fault)
		il.Emit(OpPushInt, 1)
		il.Emit(OpStoreLocal, 0)
		il.Emit(OpLeaveFault)
		il.AddHandler(HandlerCatch, outerStart, il.Len(), catch, "", 0, 0, false)

		il.MarkLabel(catch)
		il.Emit(OpLoadLocal, 0)
		il.Emit(OpAdd)
		il.Emit(OpReturn)
	})
	if got := mustRun(t, p); got.Int() != 6 {
		t.Errorf("result = %v, want 6", got)
	}
}

func TestUncaughtThrowKeepsValue(t *testing.T) {
	rt := newTestRuntime(t)
	p := assemble(t, rt, 0, 0, func(il *InstructionList) {
		il.EmitConst(FromString("boom"))
		il.Emit(OpThrow)
	})
	_, err := p.Run(context.Background())
	var te *ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *ThrownError", err)
	}
	if te.Value.Str() != "boom" {
		t.Errorf("thrown value = %v, want \"boom\"", te.Value)
	}
}

func TestStackOverflow(t *testing.T) {
	rt := newTestRuntime(t, func(o *Options) { o.MaxCallDepth = 32 })
	p := assemble(t, rt, 0, 0, func(il *InstructionList) {
		il.Emit(OpMakeClosure, 0)
		il.EmitCall(0)
		il.Emit(OpReturn)
	})
	_, err := p.Run(context.Background())
	if kind := thrownKind(t, err); kind != ExcStackOverflow {
		t.Errorf("kind = %s, want %s", kind, ExcStackOverflow)
	}
}

func TestRunChecksArity(t *testing.T) {
	rt := newTestRuntime(t)
	p := assemble(t, rt, 1, 1, func(il *InstructionList) {
		il.Emit(OpLoadLocal, 0)
		il.Emit(OpReturn)
	})
	if _, err := p.Run(context.Background()); err == nil {
		t.Error("Run with missing argument succeeded")
	}
}

// ---------------------------------------------------------------------------
// Host calls
// ---------------------------------------------------------------------------

func TestCallHost(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.RegisterHost("concat", func(a, b string) string { return a + b }); err != nil {
		t.Fatal(err)
	}
	p := assemble(t, rt, 0, 0, func(il *InstructionList) {
		il.EmitConst(FromString("te"))
		il.EmitConst(FromString("rn"))
		il.EmitCallHost("concat", 2)
		il.Emit(OpReturn)
	})
	if got := mustRun(t, p); got.Str() != "tern" {
		t.Errorf("result = %v, want \"tern\"", got)
	}
}

func TestHostErrorIsCatchable(t *testing.T) {
	rt := newTestRuntime(t)
	sentinel := errors.New("disk on fire")
	if err := rt.RegisterHost("fail", func() (int64, error) { return 0, sentinel }); err != nil {
		t.Fatal(err)
	}
	p := assemble(t, rt, 0, 0, func(il *InstructionList) {
		il.EmitCallHost("fail", 0)
		il.Emit(OpReturn)
	})
	_, err := p.Run(context.Background())
	if kind := thrownKind(t, err); kind != ExcHostError {
		t.Errorf("kind = %s, want %s", kind, ExcHostError)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error %v does not wrap the host error", err)
	}
}

func TestCallClosureFromGo(t *testing.T) {
	rt := newTestRuntime(t)
	il := NewInstructionList()
	il.Emit(OpLoadLocal, 0)
	il.Emit(OpPushInt, 1)
	il.Emit(OpAdd)
	il.Emit(OpReturn)
	code, err := il.ToArray()
	if err != nil {
		t.Fatal(err)
	}
	inc := &Function{Name: "inc", NumParams: 1, NumLocals: 1, Code: code}
	NewProgram(rt, "inc", []*Function{inc})

	got, err := rt.NewInterpreter(context.Background()).Call(FromRef(&Closure{Fn: inc}), FromInt(41))
	if err != nil {
		t.Fatal(err)
	}
	if got.Int() != 42 {
		t.Errorf("inc(41) = %v, want 42", got)
	}
}

func TestScopeSlots(t *testing.T) {
	rt := newTestRuntime(t)
	p := assemble(t, rt, 0, 1, func(il *InstructionList) {
		il.Emit(OpPushInt, 9)
		il.Emit(OpPushArena)
		il.Emit(OpNewScope, 2)
		il.Emit(OpDUP)
		il.Emit(OpStoreLocal, 0)
		il.Emit(OpStoreSlot, 1)
		il.Emit(OpLoadLocal, 0)
		il.Emit(OpLoadSlot, 1)
		il.Emit(OpReturn)
	})
	if got := mustRun(t, p); got.Int() != 9 {
		t.Errorf("result = %v, want 9", got)
	}
}

func TestScopeOperandMustBeArena(t *testing.T) {
	tests := []struct {
		name  string
		build func(il *InstructionList)
	}{
		{"load from an integer", func(il *InstructionList) {
			il.Emit(OpPushInt, 1)
			il.Emit(OpLoadSlot, 0)
			il.Emit(OpReturn)
		}},
		{"store past the last slot", func(il *InstructionList) {
			il.Emit(OpPushInt, 1)
			il.Emit(OpPushArena)
			il.Emit(OpNewScope, 1)
			il.Emit(OpStoreSlot, 1)
			il.Emit(OpPushNil)
			il.Emit(OpReturn)
		}},
		{"scope nested in nil", func(il *InstructionList) {
			il.Emit(OpPushNil)
			il.Emit(OpNewScope, 1)
			il.Emit(OpReturn)
		}},
		{"closure over a string", func(il *InstructionList) {
			il.EmitConst(FromString("env"))
			il.Emit(OpMakeClosureIn, 0)
			il.Emit(OpReturn)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			_, err := assemble(t, rt, 0, 0, tt.build).Run(context.Background())
			if kind := thrownKind(t, err); kind != ExcTypeError {
				t.Errorf("kind = %q, want %q", kind, ExcTypeError)
			}
		})
	}
}
