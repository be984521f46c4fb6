package compiler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
	"github.com/google/go-cmp/cmp"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestRuntime(t *testing.T) *vm.Runtime {
	t.Helper()
	opts := vm.DefaultOptions()
	opts.Tiering.Background = false
	rt := vm.NewRuntime(opts)
	t.Cleanup(rt.Close)
	return rt
}

func mustBuild(t *testing.T, rt *vm.Runtime, fn *ast.Lambda) *vm.Program {
	t.Helper()
	p, err := Build(rt, fn)
	if err != nil {
		t.Fatalf("Build(%s): %v", fn.Name, err)
	}
	return p
}

func runOn(t *testing.T, rt *vm.Runtime, fn *ast.Lambda, args ...vm.Value) vm.Value {
	t.Helper()
	v, err := mustBuild(t, rt, fn).Run(context.Background(), args...)
	if err != nil {
		t.Fatalf("Run(%s): %v", fn.Name, err)
	}
	return v
}

func runLambda(t *testing.T, fn *ast.Lambda, args ...vm.Value) vm.Value {
	t.Helper()
	return runOn(t, newTestRuntime(t), fn, args...)
}

func lambda(name string, params []*ast.Variable, body ...ast.Node) *ast.Lambda {
	return &ast.Lambda{Name: name, Params: params, Body: ast.Seq(body...)}
}

func checkValue(t *testing.T, got, want vm.Value) {
	t.Helper()
	if got.Kind() != want.Kind() || !vm.Equal(got, want) {
		t.Errorf("result = %v (%s), want %v (%s)", got, got.Kind(), want, want.Kind())
	}
}

func thrownKind(t *testing.T, err error) string {
	t.Helper()
	var te *vm.ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not a thrown exception", err)
	}
	exc, ok := vm.ExceptionOf(te.Value)
	if !ok {
		t.Fatalf("thrown value %v is not an exception", te.Value)
	}
	return exc.Kind
}

func toGo(vs []vm.Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v.ToGo()
	}
	return out
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func TestExpressions(t *testing.T) {
	a, b := ast.Var("a", ast.Int), ast.Var("b", ast.Int)
	divZero := ast.Op(ast.Eq, ast.Op(ast.Div, ast.IntConst(1), ast.IntConst(0)), ast.IntConst(0))

	tests := []struct {
		name   string
		params []*ast.Variable
		body   ast.Node
		args   []vm.Value
		want   vm.Value
	}{
		{
			name:   "arithmetic",
			params: []*ast.Variable{a, b},
			body:   ast.Op(ast.Add, ast.Op(ast.Mul, a, b), ast.IntConst(2)),
			args:   []vm.Value{vm.FromInt(6), vm.FromInt(7)},
			want:   vm.FromInt(44),
		},
		{
			name: "float arithmetic",
			body: ast.Op(ast.Add, ast.FloatConst(1.5), ast.FloatConst(2.25)),
			want: vm.FromFloat64(3.75),
		},
		{
			name: "comparison",
			body: ast.Op(ast.Lt, ast.IntConst(1), ast.IntConst(2)),
			want: vm.True,
		},
		{
			name: "and also short-circuits",
			body: ast.Op(ast.AndAlso, ast.BoolConst(false), divZero),
			want: vm.False,
		},
		{
			name: "or else short-circuits",
			body: ast.Op(ast.OrElse, ast.BoolConst(true), divZero),
			want: vm.True,
		},
		{
			name:   "conditional",
			params: []*ast.Variable{a},
			body:   ast.IfElse(ast.Op(ast.Gt, a, ast.IntConst(0)), ast.StringConst("pos"), ast.StringConst("neg"), ast.String),
			args:   []vm.Value{vm.FromInt(-1)},
			want:   vm.FromString("neg"),
		},
		{
			name: "negation",
			body: &ast.Unary{Op: ast.Neg, X: ast.IntConst(5)},
			want: vm.FromInt(-5),
		},
		{
			name: "is nil",
			body: &ast.Unary{Op: ast.IsNil, X: ast.NilConst()},
			want: vm.True,
		},
		{
			name: "unchecked add wraps",
			body: ast.Op(ast.Add, ast.IntConst(math.MaxInt64), ast.IntConst(1)),
			want: vm.FromInt(math.MinInt64),
		},
		{
			name: "wide constant",
			body: ast.IntConst(1 << 40),
			want: vm.FromInt(1 << 40),
		},
		{
			name:   "assignment is an expression",
			params: []*ast.Variable{a},
			body:   ast.Op(ast.Add, ast.Set(a, ast.IntConst(3)), a),
			args:   []vm.Value{vm.FromInt(0)},
			want:   vm.FromInt(6),
		},
		{
			name: "void body returns nil",
			body: ast.Seq(),
			want: vm.Nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runLambda(t, lambda(tt.name, tt.params, tt.body), tt.args...)
			checkValue(t, got, tt.want)
		})
	}
}

func TestCheckedOverflowRaises(t *testing.T) {
	rt := newTestRuntime(t)
	fn := lambda("overflow", nil, ast.Op(ast.AddChecked, ast.IntConst(math.MaxInt64), ast.IntConst(1)))
	_, err := mustBuild(t, rt, fn).Run(context.Background())
	if kind := thrownKind(t, err); kind != vm.ExcOverflow {
		t.Errorf("kind = %s, want %s", kind, vm.ExcOverflow)
	}
}

func TestExplicitReturn(t *testing.T) {
	x := ast.Var("x", ast.Int)
	ret := ast.Target("return", ast.Int)
	fn := &ast.Lambda{
		Name:   "early",
		Params: []*ast.Variable{x},
		Return: ret,
		Body: ast.Seq(
			ast.If(ast.Op(ast.Lt, x, ast.IntConst(0)), ast.Return(ret, ast.IntConst(-1))),
			ast.Op(ast.Mul, x, ast.IntConst(2)),
		),
	}
	rt := newTestRuntime(t)
	p := mustBuild(t, rt, fn)
	for _, tc := range []struct{ in, want int64 }{{-5, -1}, {4, 8}} {
		got, err := p.Run(context.Background(), vm.FromInt(tc.in))
		if err != nil {
			t.Fatalf("Run(%d): %v", tc.in, err)
		}
		checkValue(t, got, vm.FromInt(tc.want))
	}
}

func TestValuedLabel(t *testing.T) {
	x := ast.Var("x", ast.Int)
	done := ast.Target("done", ast.Int)
	fn := lambda("valued", []*ast.Variable{x},
		&ast.Label{
			Target: done,
			Default: ast.Seq(
				ast.If(ast.Op(ast.Gt, x, ast.IntConst(10)), ast.JumpWith(done, ast.IntConst(100))),
				x,
			),
		},
	)
	rt := newTestRuntime(t)
	p := mustBuild(t, rt, fn)
	for _, tc := range []struct{ in, want int64 }{{3, 3}, {30, 100}} {
		got, err := p.Run(context.Background(), vm.FromInt(tc.in))
		if err != nil {
			t.Fatalf("Run(%d): %v", tc.in, err)
		}
		checkValue(t, got, vm.FromInt(tc.want))
	}
}

func TestSwitch(t *testing.T) {
	x, out := ast.Var("x", ast.Int), ast.Var("out", ast.String)
	fn := lambda("switch", []*ast.Variable{x}, ast.Scope([]*ast.Variable{out},
		&ast.Switch{
			Value: x,
			Cases: []ast.SwitchCase{
				{Values: []int64{1, 2}, Body: ast.Set(out, ast.StringConst("small"))},
				{Values: []int64{3}, Body: ast.Set(out, ast.StringConst("three"))},
			},
			Default: ast.Set(out, ast.StringConst("other")),
		},
		out,
	))
	rt := newTestRuntime(t)
	p := mustBuild(t, rt, fn)
	for in, want := range map[int64]string{1: "small", 2: "small", 3: "three", 9: "other"} {
		got, err := p.Run(context.Background(), vm.FromInt(in))
		if err != nil {
			t.Fatalf("Run(%d): %v", in, err)
		}
		checkValue(t, got, vm.FromString(want))
	}
}

// ---------------------------------------------------------------------------
// Loops and tiering
// ---------------------------------------------------------------------------

func sumLoop(n int64) *ast.Lambda {
	i, s := ast.Var("i", ast.Int), ast.Var("s", ast.Int)
	return lambda("sum", nil, ast.Scope([]*ast.Variable{i, s},
		ast.Set(s, ast.IntConst(0)),
		ast.For(i, ast.IntConst(0), ast.IntConst(n), ast.Set(s, ast.Op(ast.Add, s, i))),
		s,
	))
}

func TestLoopTieringMatchesInterpreter(t *testing.T) {
	tests := []struct {
		name string
		opts vm.TierOptions
	}{
		{"interpreted", vm.TierOptions{Enabled: false}},
		{"inline", vm.TierOptions{Enabled: true, Threshold: 2}},
		{"background", vm.TierOptions{Enabled: true, Threshold: 2, Background: true, QueueSize: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := vm.DefaultOptions()
			opts.Tiering = tt.opts
			rt := vm.NewRuntime(opts)
			defer rt.Close()

			p := mustBuild(t, rt, sumLoop(100))
			for run := 0; run < 2; run++ {
				got, err := p.Run(context.Background())
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				checkValue(t, got, vm.FromInt(4950))
				rt.Tierer().Flush()
			}

			compiled := rt.Tierer().Stats().LoopsCompiled
			if tt.opts.Enabled && compiled != 1 {
				t.Errorf("LoopsCompiled = %d, want 1", compiled)
			}
			if !tt.opts.Enabled && compiled != 0 {
				t.Errorf("LoopsCompiled = %d, want 0", compiled)
			}
		})
	}
}

func TestBreakAndContinue(t *testing.T) {
	i, s := ast.Var("i", ast.Int), ast.Var("s", ast.Int)
	brk, cont := ast.Target("break", ast.Void), ast.Target("continue", ast.Void)
	// Sum the odd numbers below 10, stopping at 7.
	fn := lambda("odd", nil, ast.Scope([]*ast.Variable{i, s},
		ast.Set(i, ast.IntConst(0)),
		ast.Set(s, ast.IntConst(0)),
		&ast.Loop{
			Break:    brk,
			Continue: cont,
			Body: ast.Seq(
				ast.Set(i, ast.Op(ast.Add, i, ast.IntConst(1))),
				ast.If(ast.Op(ast.Gt, i, ast.IntConst(7)), ast.Break(brk)),
				ast.If(ast.Op(ast.Eq, ast.Op(ast.Mod, i, ast.IntConst(2)), ast.IntConst(0)), ast.Continue(cont)),
				ast.Set(s, ast.Op(ast.Add, s, i)),
			),
		},
		s,
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(1+3+5+7))
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

func TestClosureSharesCapturedVariable(t *testing.T) {
	n, inc := ast.Var("n", ast.Int), ast.Var("inc", ast.Any)
	fn := lambda("counter", nil, ast.Scope([]*ast.Variable{n, inc},
		ast.Set(n, ast.IntConst(0)),
		ast.Set(inc, &ast.Lambda{Name: "inc", Body: ast.Set(n, ast.Op(ast.Add, n, ast.IntConst(1)))}),
		&ast.Invoke{Target: inc, T: ast.Int},
		&ast.Invoke{Target: inc, T: ast.Int},
		n,
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(2))
}

func TestClosureThroughIntermediateFunction(t *testing.T) {
	n := ast.Var("n", ast.Int)
	inner := &ast.Lambda{Name: "inner", Body: ast.Set(n, ast.Op(ast.Mul, n, ast.IntConst(10)))}
	middle := &ast.Lambda{Name: "middle", Body: &ast.Invoke{Target: inner, T: ast.Int}}
	fn := lambda("outer", nil, ast.Scope([]*ast.Variable{n},
		ast.Set(n, ast.IntConst(1)),
		&ast.Invoke{Target: middle, T: ast.Int},
		n,
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(10))
}

func TestClosureCapturesParameter(t *testing.T) {
	x, y := ast.Var("x", ast.Int), ast.Var("y", ast.Int)
	adder := lambda("adder", []*ast.Variable{x},
		&ast.Lambda{Name: "add", Params: []*ast.Variable{y}, Body: ast.Op(ast.Add, x, y)},
	)
	rt := newTestRuntime(t)
	closure := runOn(t, rt, adder, vm.FromInt(40))

	got, err := rt.NewInterpreter(context.Background()).Call(closure, vm.FromInt(2))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	checkValue(t, got, vm.FromInt(42))
}

func TestBlockVariablesStartNilOnEachEntry(t *testing.T) {
	i, acc, x := ast.Var("i", ast.Int), ast.Var("acc", ast.Int), ast.Var("x", ast.Any)
	fn := lambda("reentry", nil, ast.Scope([]*ast.Variable{i, acc},
		ast.Set(acc, ast.IntConst(0)),
		ast.For(i, ast.IntConst(0), ast.IntConst(3), ast.Scope([]*ast.Variable{x},
			ast.If(ast.Op(ast.Eq, i, ast.IntConst(0)), ast.Set(x, ast.IntConst(5))),
			ast.If(&ast.Unary{Op: ast.IsNil, X: x}, ast.Set(acc, ast.Op(ast.Add, acc, ast.IntConst(100)))),
		)),
		acc,
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(200))
}

func TestClosuresCaptureEachBlockEntry(t *testing.T) {
	i, c := ast.Var("i", ast.Int), ast.Var("c", ast.Int)
	first, second := ast.Var("first", ast.Any), ast.Var("second", ast.Any)
	get := &ast.Lambda{Name: "get", Body: c}
	fn := lambda("entries", nil, ast.Scope([]*ast.Variable{i, first, second},
		ast.For(i, ast.IntConst(1), ast.IntConst(3), ast.Scope([]*ast.Variable{c},
			ast.Set(c, i),
			ast.If(ast.Op(ast.Eq, i, ast.IntConst(1)), ast.Set(first, get)),
			ast.If(ast.Op(ast.Eq, i, ast.IntConst(2)), ast.Set(second, get)),
		)),
		ast.Op(ast.Add,
			ast.Op(ast.Mul, &ast.Invoke{Target: first, T: ast.Int}, ast.IntConst(10)),
			&ast.Invoke{Target: second, T: ast.Int}),
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(12))
}

func TestNestedBlockScopesChain(t *testing.T) {
	a, b := ast.Var("a", ast.Int), ast.Var("b", ast.Int)
	sum := &ast.Lambda{Name: "sum", Body: ast.Op(ast.Add, a, b)}
	fn := lambda("nested", nil, ast.Scope([]*ast.Variable{a},
		ast.Set(a, ast.IntConst(30)),
		ast.Scope([]*ast.Variable{b},
			ast.Set(b, ast.IntConst(12)),
			&ast.Invoke{Target: sum, T: ast.Int},
		),
	))
	checkValue(t, runLambda(t, fn), vm.FromInt(42))
}

// ---------------------------------------------------------------------------
// Host interaction
// ---------------------------------------------------------------------------

type point struct {
	X int64
	Y int64 `tern:"y"`
}

func TestHostCalls(t *testing.T) {
	rt := newTestRuntime(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(rt.RegisterHost("add", func(a, b int64) int64 { return a + b }))
	must(rt.RegisterHost("fail", func(s string) (string, error) { return "", errors.New("no " + s) }))
	must(rt.RegisterHost("explode", func() int64 { panic("boom") }))
	must(rt.RegisterHost("point", func() *point { return &point{X: 3, Y: 4} }))

	p := ast.Var("p", ast.Any)
	catchHost := func(body ast.Node) ast.Node {
		return &ast.Try{
			Body:     body,
			Handlers: []*ast.Catch{{Filter: vm.ExcHostError, Body: ast.StringConst("caught")}},
			T:        ast.String,
		}
	}

	tests := []struct {
		name string
		body ast.Node
		want vm.Value
	}{
		{"direct", ast.Call("add", ast.Int, ast.IntConst(2), ast.IntConst(3)), vm.FromInt(5)},
		{"by reference", &ast.Invoke{Target: &ast.HostRef{Name: "add"}, Args: []ast.Node{ast.IntConst(4), ast.IntConst(5)}, T: ast.Int}, vm.FromInt(9)},
		{"error", catchHost(ast.Call("fail", ast.String, ast.StringConst("luck"))), vm.FromString("caught")},
		{"panic", catchHost(ast.Seq(ast.Call("explode", ast.Int), ast.StringConst("missed"))), vm.FromString("caught")},
		{"field by name", &ast.Field{Object: ast.Call("point", ast.Any), Name: "X", T: ast.Int}, vm.FromInt(3)},
		{"field by tag", &ast.Field{Object: ast.Call("point", ast.Any), Name: "y", T: ast.Int}, vm.FromInt(4)},
		{"set field", ast.Scope([]*ast.Variable{p},
			ast.Set(p, ast.Call("point", ast.Any)),
			&ast.SetField{Object: p, Name: "X", Value: ast.IntConst(30)},
			&ast.Field{Object: p, Name: "X", T: ast.Int},
		), vm.FromInt(30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkValue(t, runOn(t, rt, lambda(tt.name, nil, tt.body)), tt.want)
		})
	}
}

func TestUndefinedHostRaises(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := mustBuild(t, rt, lambda("missing", nil, ast.Call("nope", ast.Int))).Run(context.Background())
	if kind := thrownKind(t, err); kind != vm.ExcUndefinedHost {
		t.Errorf("kind = %s, want %s", kind, vm.ExcUndefinedHost)
	}
}

func TestHostReplacementIsSeen(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.RegisterHost("f", func(x int64) int64 { return x + 1 }); err != nil {
		t.Fatal(err)
	}
	p := mustBuild(t, rt, lambda("call", nil, ast.Call("f", ast.Int, ast.IntConst(1))))

	var got []vm.Value
	for i := 0; i < 2; i++ {
		v, err := p.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
		if err := rt.RegisterHost("f", func(x int64) int64 { return x * 100 }); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]any{int64(2), int64(100)}, toGo(got)); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// Compile errors
// ---------------------------------------------------------------------------

func TestBuildErrors(t *testing.T) {
	out := ast.Target("out", ast.Void)
	inside := ast.Target("inside", ast.Void)
	undeclared := ast.Var("ghost", ast.Int)

	tests := []struct {
		name string
		body ast.Node
		want error
	}{
		{"yield in function", ast.YieldValue(ast.IntConst(1)), ErrYieldOutsideGenerator},
		{"undeclared variable", ast.Op(ast.Add, undeclared, ast.IntConst(1)), ErrUndeclaredVariable},
		{"jump into try", ast.Seq(
			ast.Jump(inside),
			&ast.Try{Body: ast.Mark(inside), Handlers: []*ast.Catch{{Body: ast.Seq()}}, T: ast.Void},
		), ErrJumpIntoTry},
		{"jump out of fault", ast.Seq(
			&ast.Try{Body: ast.Seq(), Fault: ast.Jump(out), T: ast.Void},
			ast.Mark(out),
		), ErrJumpOutOfFault},
		{"non-void try with jump out of finally", ast.Seq(
			&ast.Try{Body: ast.IntConst(1), Finally: ast.Jump(out), T: ast.Int},
			ast.Mark(out),
		), ErrNonVoidTryFlowControl},
		{"finally and fault", &ast.Try{Body: ast.Seq(), Finally: ast.Seq(), Fault: ast.Seq(), T: ast.Void}, ErrFinallyAndFault},
		{"undefined label", ast.Jump(ast.Target("nowhere", ast.Void)), ErrUndefinedLabel},
		{"duplicate label", ast.Seq(ast.Mark(out), ast.Mark(out)), ErrDuplicateLabel},
		{"rethrow outside catch", &ast.Throw{T: ast.Void}, ErrRethrowOutsideCatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(newTestRuntime(t), lambda(tt.name, nil, tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("Build error = %v, want %v", err, tt.want)
			}
		})
	}
}
