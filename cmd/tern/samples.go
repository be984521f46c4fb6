package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
)

// A sample is a built-in program that can be compiled into the store.
type sample struct {
	name   string
	params string
	doc    string
	build  func() *ast.Lambda
}

var samples = []sample{
	{"sum", "n", "adds 0..n-1 in a loop that tiers up", sumSample},
	{"fib", "n", "generator producing the first n Fibonacci numbers", fibSample},
	{"squares", "n", "iterable producing i*i for i in 0..n-1", squaresSample},
	{"divide", "x y", "integer division that catches DivideByZero", divideSample},
	{"search", "n limit", "leaves a loop inside try/finally with a goto", searchSample},
	{"counter", "n", "closure incrementing a captured variable n times", counterSample},
	{"hypot", "x y", "host calls into math.Sqrt", hypotSample},
}

func findSample(name string) (sample, bool) {
	for _, s := range samples {
		if s.name == name {
			return s, true
		}
	}
	return sample{}, false
}

// hostFuncs are the functions every runtime created by the CLI provides.
func hostFuncs(out io.Writer) map[string]any {
	return map[string]any{
		"print": func(args ...vm.Value) {
			parts := make([]string, len(args))
			for i, a := range args {
				if a.IsString() {
					parts[i] = a.Str()
				} else {
					parts[i] = a.String()
				}
			}
			fmt.Fprintln(out, strings.Join(parts, " "))
		},
		"sqrt": math.Sqrt,
	}
}

func registerHosts(rt *vm.Runtime, out io.Writer) error {
	hosts := hostFuncs(out)
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rt.RegisterHost(name, hosts[name]); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

func sumSample() *ast.Lambda {
	n, i, s := ast.Var("n", ast.Int), ast.Var("i", ast.Int), ast.Var("s", ast.Int)
	return &ast.Lambda{Name: "sum", Params: []*ast.Variable{n}, Body: ast.Scope([]*ast.Variable{i, s},
		ast.Set(s, ast.IntConst(0)),
		ast.For(i, ast.IntConst(0), n, ast.Set(s, ast.Op(ast.Add, s, i))),
		s,
	)}
}

func fibSample() *ast.Lambda {
	n := ast.Var("n", ast.Int)
	i, a, b, t := ast.Var("i", ast.Int), ast.Var("a", ast.Int), ast.Var("b", ast.Int), ast.Var("t", ast.Int)
	return &ast.Lambda{Name: "fib", Params: []*ast.Variable{n}, Shape: ast.Generator, Body: ast.Scope(
		[]*ast.Variable{i, a, b, t},
		ast.Set(a, ast.IntConst(0)),
		ast.Set(b, ast.IntConst(1)),
		ast.For(i, ast.IntConst(0), n,
			ast.YieldValue(a),
			ast.Set(t, ast.Op(ast.AddChecked, a, b)),
			ast.Set(a, b),
			ast.Set(b, t),
		),
	)}
}

func squaresSample() *ast.Lambda {
	n, i := ast.Var("n", ast.Int), ast.Var("i", ast.Int)
	return &ast.Lambda{Name: "squares", Params: []*ast.Variable{n}, Shape: ast.Iterable, Body: ast.Scope(
		[]*ast.Variable{i},
		ast.For(i, ast.IntConst(0), n, ast.YieldValue(ast.Op(ast.Mul, i, i))),
	)}
}

func divideSample() *ast.Lambda {
	x, y := ast.Var("x", ast.Int), ast.Var("y", ast.Int)
	return &ast.Lambda{Name: "divide", Params: []*ast.Variable{x, y}, Body: &ast.Try{
		Body: ast.Op(ast.Div, x, y),
		Handlers: []*ast.Catch{{
			Filter: vm.ExcDivideByZero,
			Body:   ast.Seq(ast.Call("print", ast.Void, ast.StringConst("division by zero")), ast.IntConst(0)),
		}},
		T: ast.Int,
	}}
}

// searchSample counts up to limit but leaves the loop as soon as i*i
// exceeds n; the goto out of the protected region runs the finally block.
func searchSample() *ast.Lambda {
	n, limit, i := ast.Var("n", ast.Int), ast.Var("limit", ast.Int), ast.Var("i", ast.Int)
	found := ast.Target("found", ast.Void)
	return &ast.Lambda{Name: "search", Params: []*ast.Variable{n, limit}, Body: ast.Scope([]*ast.Variable{i},
		&ast.Try{
			Body: ast.For(i, ast.IntConst(0), limit,
				ast.If(ast.Op(ast.Gt, ast.Op(ast.Mul, i, i), n), ast.Jump(found)),
			),
			Finally: ast.Call("print", ast.Void, ast.StringConst("searched up to"), i),
			T:       ast.Void,
		},
		ast.Mark(found),
		i,
	)}
}

func counterSample() *ast.Lambda {
	n, count, i, inc := ast.Var("n", ast.Int), ast.Var("count", ast.Int), ast.Var("i", ast.Int), ast.Var("inc", ast.Any)
	return &ast.Lambda{Name: "counter", Params: []*ast.Variable{n}, Body: ast.Scope([]*ast.Variable{count, i, inc},
		ast.Set(count, ast.IntConst(0)),
		ast.Set(inc, &ast.Lambda{Name: "inc", Body: ast.Set(count, ast.Op(ast.Add, count, ast.IntConst(1)))}),
		ast.For(i, ast.IntConst(0), n, &ast.Invoke{Target: inc, T: ast.Int}),
		count,
	)}
}

func hypotSample() *ast.Lambda {
	x, y := ast.Var("x", ast.Float), ast.Var("y", ast.Float)
	return &ast.Lambda{Name: "hypot", Params: []*ast.Variable{x, y}, Body: ast.Call("sqrt", ast.Float,
		ast.Op(ast.Add, ast.Op(ast.Mul, x, x), ast.Op(ast.Mul, y, y)),
	)}
}
