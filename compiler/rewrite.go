package compiler

import (
	"fmt"

	"github.com/chazu/tern/ast"
)

// ---------------------------------------------------------------------------
// Tree rebuilding helpers shared by the lowering passes
// ---------------------------------------------------------------------------

// mapChildren returns a shallow copy of n whose direct children are
// replaced by g(child). Nested lambdas are returned unchanged: each lambda
// is lowered on its own.
func mapChildren(n ast.Node, g func(ast.Node) ast.Node) ast.Node {
	opt := func(c ast.Node) ast.Node {
		if c == nil {
			return nil
		}
		return g(c)
	}
	list := func(xs []ast.Node) []ast.Node {
		out := make([]ast.Node, len(xs))
		for i, x := range xs {
			out[i] = g(x)
		}
		return out
	}
	switch n := n.(type) {
	case *ast.Assign:
		c := *n
		c.Value = g(n.Value)
		return &c
	case *ast.Unary:
		c := *n
		c.X = g(n.X)
		return &c
	case *ast.Binary:
		c := *n
		c.X, c.Y = g(n.X), g(n.Y)
		return &c
	case *ast.HostCall:
		c := *n
		c.Args = list(n.Args)
		return &c
	case *ast.Invoke:
		c := *n
		c.Target = g(n.Target)
		c.Args = list(n.Args)
		return &c
	case *ast.Field:
		c := *n
		c.Object = g(n.Object)
		return &c
	case *ast.SetField:
		c := *n
		c.Object, c.Value = g(n.Object), g(n.Value)
		return &c
	case *ast.Conditional:
		c := *n
		c.Test, c.Then, c.Else = g(n.Test), g(n.Then), opt(n.Else)
		return &c
	case *ast.Block:
		c := *n
		c.Body = list(n.Body)
		return &c
	case *ast.Loop:
		c := *n
		c.Body = g(n.Body)
		return &c
	case *ast.Try:
		c := *n
		c.Body = g(n.Body)
		c.Handlers = make([]*ast.Catch, len(n.Handlers))
		for i, h := range n.Handlers {
			hc := *h
			hc.Body = g(h.Body)
			c.Handlers[i] = &hc
		}
		c.Finally, c.Fault = opt(n.Finally), opt(n.Fault)
		return &c
	case *ast.Label:
		c := *n
		c.Default = opt(n.Default)
		return &c
	case *ast.Goto:
		c := *n
		c.Value = opt(n.Value)
		return &c
	case *ast.Yield:
		c := *n
		c.Value = opt(n.Value)
		return &c
	case *ast.Throw:
		c := *n
		c.Value = opt(n.Value)
		return &c
	case *ast.Switch:
		c := *n
		c.Value = g(n.Value)
		c.Cases = make([]ast.SwitchCase, len(n.Cases))
		for i, sc := range n.Cases {
			c.Cases[i] = ast.SwitchCase{Values: sc.Values, Body: g(sc.Body)}
		}
		c.Default = opt(n.Default)
		return &c
	case *ast.Constant, *ast.Variable, *ast.HostRef, *ast.SafePoint, *ast.Lambda:
		return n
	}
	panic(fmt.Sprintf("mapChildren: unexpected node %T", n))
}

// transform rebuilds n bottom-up: f sees each node after its children
// have been transformed and returns the replacement.
func transform(n ast.Node, f func(ast.Node) ast.Node) ast.Node {
	if n == nil {
		return nil
	}
	var walk func(ast.Node) ast.Node
	walk = func(c ast.Node) ast.Node {
		return f(mapChildren(c, walk))
	}
	return walk(n)
}

// definedLabels returns every label target placed inside n, not counting
// nested lambdas.
func definedLabels(n ast.Node) map[*ast.LabelTarget]bool {
	out := make(map[*ast.LabelTarget]bool)
	ast.Inspect(n, func(c ast.Node) bool {
		switch c := c.(type) {
		case *ast.Label:
			out[c.Target] = true
		case *ast.Loop:
			if c.Break != nil {
				out[c.Break] = true
			}
			if c.Continue != nil {
				out[c.Continue] = true
			}
		case *ast.Lambda:
			return c == n
		}
		return true
	})
	return out
}

// pollExits puts a safe point in front of every jump, throw and yield
// break in n.
func pollExits(n ast.Node) ast.Node {
	return transform(n, func(c ast.Node) ast.Node {
		switch c := c.(type) {
		case *ast.Goto, *ast.Throw:
			return block(nil, &ast.SafePoint{}, c)
		case *ast.Yield:
			if c.Break {
				return block(nil, &ast.SafePoint{}, c)
			}
		}
		return c
	})
}

// Node constructors used by the rewrites.

func intLit(n int64) *ast.Constant { return ast.IntConst(n) }

func assign(v *ast.Variable, value ast.Node) *ast.Assign { return ast.Set(v, value) }

func block(vars []*ast.Variable, body ...ast.Node) *ast.Block {
	return &ast.Block{Vars: vars, Body: body}
}

func gotoLabel(l *ast.LabelTarget, t ast.Type) *ast.Goto {
	return &ast.Goto{Kind: ast.GotoJump, Target: l, T: t}
}

func notNil(v ast.Node) ast.Node {
	return &ast.Unary{Op: ast.Not, X: &ast.Unary{Op: ast.IsNil, X: v}}
}

// temps hands out uniquely named temporaries.
type temps struct {
	prefix string
	n      int
}

func (t *temps) variable(name string, typ ast.Type) *ast.Variable {
	t.n++
	return ast.Var(fmt.Sprintf("%s%s%d", t.prefix, name, t.n), typ)
}

func (t *temps) label(name string, typ ast.Type) *ast.LabelTarget {
	t.n++
	return ast.Target(fmt.Sprintf("%s%s%d", t.prefix, name, t.n), typ)
}
