package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
	"github.com/google/go-cmp/cmp"
)

func generator(name string, params []*ast.Variable, body ...ast.Node) *ast.Lambda {
	return &ast.Lambda{Name: name, Params: params, Shape: ast.Generator, Body: ast.Seq(body...)}
}

func drain(t *testing.T, rt *vm.Runtime, fn *ast.Lambda, args ...vm.Value) []any {
	t.Helper()
	g, err := mustBuild(t, rt, fn).MakeGenerator(context.Background(), args...)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := g.Drain(0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return toGo(vals)
}

func checkSequence(t *testing.T, got []any, want ...any) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("produced values mismatch (-want +got):\n%s", diff)
	}
}

func TestGeneratorProducesThenFinishes(t *testing.T) {
	rt := newTestRuntime(t)
	fn := generator("single", nil, ast.YieldValue(ast.Op(ast.Add, ast.IntConst(10), ast.IntConst(20))))
	g, err := mustBuild(t, rt, fn).MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s := g.State(); s != vm.GeneratorNotStarted {
		t.Errorf("initial state = %d, want %d", s, vm.GeneratorNotStarted)
	}

	v, ok, err := g.Resume()
	if err != nil || !ok {
		t.Fatalf("first Resume = %v, %v, %v; want a value", v, ok, err)
	}
	checkValue(t, v, vm.FromInt(30))
	if s := g.State(); s != 1 {
		t.Errorf("suspended state = %d, want 1", s)
	}

	if _, ok, err := g.Resume(); ok || err != nil {
		t.Fatalf("second Resume = %v, %v; want finished", ok, err)
	}
	if s := g.State(); s != vm.GeneratorFinished {
		t.Errorf("final state = %d, want %d", s, vm.GeneratorFinished)
	}
	if !g.Done() {
		t.Error("generator not done after finishing")
	}
	if _, ok, _ := g.Resume(); ok {
		t.Error("Resume after finishing produced a value")
	}
}

func countTo(n int64) *ast.Lambda {
	i := ast.Var("i", ast.Int)
	return generator("count", nil, ast.Scope([]*ast.Variable{i},
		ast.For(i, ast.IntConst(0), ast.IntConst(n), ast.YieldValue(i)),
	))
}

func TestGeneratorResumeCount(t *testing.T) {
	rt := newTestRuntime(t)
	g, err := mustBuild(t, rt, countTo(5)).MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	resumes := 0
	for {
		resumes++
		_, ok, err := g.Resume()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
	}
	if resumes != 6 {
		t.Errorf("resumes = %d, want 6", resumes)
	}
}

func TestGeneratorsAreIndependent(t *testing.T) {
	rt := newTestRuntime(t)
	p := mustBuild(t, rt, countTo(3))
	a, err := p.MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var got []vm.Value
	next := func(g *vm.Generator) {
		v, ok, err := g.Resume()
		if err != nil || !ok {
			t.Fatalf("Resume = %v, %v", ok, err)
		}
		got = append(got, v)
	}
	next(a)
	next(a)
	next(b)
	next(a)
	next(b)
	checkSequence(t, toGo(got), int64(0), int64(1), int64(0), int64(2), int64(1))
}

func TestIterableHandsOutFreshIterators(t *testing.T) {
	rt := newTestRuntime(t)
	fn := countTo(3)
	fn.Shape = ast.Iterable
	it, err := mustBuild(t, rt, fn).Iterable()
	if err != nil {
		t.Fatal(err)
	}

	first := it.Iterator(context.Background())
	if _, _, err := first.Resume(); err != nil {
		t.Fatal(err)
	}
	second, err := it.Iterator(context.Background()).Drain(0)
	if err != nil {
		t.Fatal(err)
	}
	rest, err := first.Drain(0)
	if err != nil {
		t.Fatal(err)
	}
	checkSequence(t, toGo(second), int64(0), int64(1), int64(2))
	checkSequence(t, toGo(rest), int64(1), int64(2))
}

func TestGeneratorParams(t *testing.T) {
	n := ast.Var("n", ast.Int)
	fn := generator("params", []*ast.Variable{n},
		ast.YieldValue(n),
		ast.YieldValue(ast.Op(ast.Mul, n, ast.IntConst(2))),
	)
	checkSequence(t, drain(t, newTestRuntime(t), fn, vm.FromInt(21)), int64(21), int64(42))
}

func TestGeneratorYieldBreak(t *testing.T) {
	fn := generator("break", nil,
		ast.YieldValue(ast.IntConst(1)),
		ast.YieldBreak(),
		ast.YieldValue(ast.IntConst(2)),
	)
	checkSequence(t, drain(t, newTestRuntime(t), fn), int64(1))
}

func TestGeneratorReturnFinishes(t *testing.T) {
	ret := ast.Target("return", ast.Void)
	fn := &ast.Lambda{
		Name:   "return",
		Shape:  ast.Generator,
		Return: ret,
		Body: ast.Seq(
			ast.YieldValue(ast.IntConst(1)),
			ast.Return(ret, nil),
			ast.YieldValue(ast.IntConst(2)),
		),
	}
	checkSequence(t, drain(t, newTestRuntime(t), fn), int64(1))
}

func TestGeneratorFinallyRunsOnceAtEnd(t *testing.T) {
	rt := newTestRuntime(t)
	notes := 0
	if err := rt.RegisterHost("note", func() { notes++ }); err != nil {
		t.Fatal(err)
	}
	fn := generator("finally", nil, &ast.Try{
		Body:    ast.Seq(ast.YieldValue(ast.IntConst(1)), ast.YieldValue(ast.IntConst(2))),
		Finally: ast.Call("note", ast.Void),
		T:       ast.Void,
	})
	g, err := mustBuild(t, rt, fn).MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.Resume(); err != nil {
		t.Fatal(err)
	}
	if notes != 0 {
		t.Errorf("finally ran on suspension")
	}
	rest, err := g.Drain(0)
	if err != nil {
		t.Fatal(err)
	}
	checkSequence(t, toGo(rest), int64(2))
	if notes != 1 {
		t.Errorf("finally ran %d times, want 1", notes)
	}
}

func TestGeneratorYieldInHandlers(t *testing.T) {
	e := ast.Var("e", ast.Any)
	s := ast.Var("s", ast.Int)

	tests := []struct {
		name string
		body ast.Node
		want []any
	}{
		{
			name: "finally",
			body: &ast.Try{
				Body:    ast.YieldValue(ast.IntConst(1)),
				Finally: ast.YieldValue(ast.IntConst(2)),
				T:       ast.Void,
			},
			want: []any{int64(1), int64(2)},
		},
		{
			name: "catch",
			body: &ast.Try{
				Body:     &ast.Throw{Value: ast.IntConst(5), T: ast.Void},
				Handlers: []*ast.Catch{{Var: e, Body: ast.Seq(ast.YieldValue(e), ast.YieldValue(ast.IntConst(6)))}},
				T:        ast.Void,
			},
			want: []any{int64(5), int64(6)},
		},
		{
			name: "fault",
			body: &ast.Try{
				Body: &ast.Try{
					Body:  &ast.Throw{Value: ast.IntConst(1), T: ast.Void},
					Fault: ast.YieldValue(ast.IntConst(7)),
					T:     ast.Void,
				},
				Handlers: []*ast.Catch{{Body: ast.YieldValue(ast.IntConst(8))}},
				T:        ast.Void,
			},
			want: []any{int64(7), int64(8)},
		},
		{
			name: "rethrow from catch",
			body: &ast.Try{
				Body: &ast.Try{
					Body:     &ast.Throw{Value: ast.IntConst(3), T: ast.Void},
					Handlers: []*ast.Catch{{Body: ast.Seq(ast.YieldValue(ast.IntConst(1)), &ast.Throw{T: ast.Void})}},
					T:        ast.Void,
				},
				Handlers: []*ast.Catch{{Var: e, Body: ast.YieldValue(e)}},
				T:        ast.Void,
			},
			want: []any{int64(1), int64(3)},
		},
		{
			name: "loop around try",
			body: ast.Scope([]*ast.Variable{s},
				ast.For(s, ast.IntConst(0), ast.IntConst(2),
					&ast.Try{
						Body:    ast.YieldValue(s),
						Finally: ast.YieldValue(ast.Op(ast.Add, s, ast.IntConst(10))),
						T:       ast.Void,
					},
				),
			),
			want: []any{int64(0), int64(10), int64(1), int64(11)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkSequence(t, drain(t, newTestRuntime(t), generator(tt.name, nil, tt.body)), tt.want...)
		})
	}
}

func TestGeneratorValuedTry(t *testing.T) {
	r := ast.Var("r", ast.Int)
	fn := generator("valued", nil, ast.Scope([]*ast.Variable{r},
		ast.Set(r, &ast.Try{
			Body:     ast.Seq(ast.YieldValue(ast.IntConst(1)), ast.IntConst(2)),
			Handlers: []*ast.Catch{{Body: ast.IntConst(3)}},
			T:        ast.Int,
		}),
		ast.YieldValue(r),
	))
	checkSequence(t, drain(t, newTestRuntime(t), fn), int64(1), int64(2))
}

func TestGeneratorSpillsOperands(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.RegisterHost("sub", func(a, b int64) int64 { return a - b }); err != nil {
		t.Fatal(err)
	}
	// sub(8, { yield 5; 3 }): 8 is evaluated before the yield and must
	// survive the suspension.
	fn := generator("spill", nil,
		ast.YieldValue(ast.Call("sub", ast.Int,
			ast.IntConst(8),
			ast.Seq(ast.YieldValue(ast.IntConst(5)), ast.IntConst(3)),
		)),
	)
	checkSequence(t, drain(t, rt, fn), int64(5), int64(5))

	lowered, err := Lower(fn)
	if err != nil {
		t.Fatal(err)
	}
	spilled := 0
	for _, v := range lowered.Hoisted {
		if strings.HasPrefix(v.Name, "$gen.spill") {
			spilled++
		}
	}
	if spilled != 2 {
		t.Errorf("hoisted %d spill temporaries, want 2", spilled)
	}
}

func TestGeneratorExceptionAfterYield(t *testing.T) {
	rt := newTestRuntime(t)
	fn := generator("throws", nil,
		ast.YieldValue(ast.IntConst(1)),
		ast.Op(ast.Div, ast.IntConst(1), ast.IntConst(0)),
		ast.YieldValue(ast.IntConst(2)),
	)
	g, err := mustBuild(t, rt, fn).MakeGenerator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	vals, err := g.Drain(0)
	checkSequence(t, toGo(vals), int64(1))
	if kind := thrownKind(t, err); kind != vm.ExcDivideByZero {
		t.Errorf("kind = %s, want %s", kind, vm.ExcDivideByZero)
	}
	if !g.Done() || g.State() != vm.GeneratorFinished {
		t.Errorf("generator not finished after an exception: %v", g)
	}
}

func TestGeneratorClosureCapture(t *testing.T) {
	i := ast.Var("i", ast.Int)
	double := &ast.Lambda{Name: "double", Body: ast.Op(ast.Mul, i, ast.IntConst(2))}
	fn := generator("closure", nil, ast.Scope([]*ast.Variable{i},
		ast.For(i, ast.IntConst(0), ast.IntConst(3),
			ast.YieldValue(&ast.Invoke{Target: double, T: ast.Int}),
		),
	))
	checkSequence(t, drain(t, newTestRuntime(t), fn), int64(0), int64(2), int64(4))
}

func TestNestedGeneratorCapturesOuterVariable(t *testing.T) {
	n := ast.Var("n", ast.Int)
	inner := generator("inner", nil,
		ast.YieldValue(n),
		ast.YieldValue(ast.Op(ast.Add, n, ast.IntConst(1))),
	)
	outer := lambda("outer", []*ast.Variable{n}, &ast.Invoke{Target: inner, T: ast.Any})

	v := runLambda(t, outer, vm.FromInt(3))
	g, ok := v.Ref().(*vm.Generator)
	if !ok {
		t.Fatalf("result %v is not a generator", v)
	}
	vals, err := g.Drain(0)
	if err != nil {
		t.Fatal(err)
	}
	checkSequence(t, toGo(vals), int64(3), int64(4))
}
