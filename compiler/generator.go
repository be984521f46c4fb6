package compiler

import (
	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
)

// ---------------------------------------------------------------------------
// Generator lowering
// ---------------------------------------------------------------------------

// A generator body is compiled into a step function. Each Resume runs the
// step function once: it dispatches on the state cell to the point after
// the last yield, runs to the next yield, stores the produced value in the
// current cell and returns true. Returning false finishes the generator.
//
// Yields may only be resumed where the operand stack is empty and no
// handler is active, so the body is first reshaped:
//
//   - fault blocks containing a yield become catch-all handlers
//   - catch bodies containing a yield run after the try, selected by a
//     recorded handler index
//   - finally blocks containing a yield are inlined (see lowerFinally)
//   - valued labels carry their value in a temporary
//   - operands evaluated before a yield are spilled to temporaries
//
// Variables live across yields are hoisted into arena cells. Resuming
// into a try body goes through a label placed before the try and a
// second dispatch at the top of its body.

type generatorRewriter struct {
	fn    *ast.Lambda
	temps *temps

	state     *ast.Variable
	current   *ast.Variable
	yielding  *ast.Variable
	ret       *ast.LabelTarget
	hoisted   []*ast.Variable
	valued    map[*ast.LabelTarget]valuedLabel
	resumes   map[*ast.LabelTarget]bool
	nextState int64
}

type valuedLabel struct {
	target *ast.LabelTarget
	value  *ast.Variable
}

type resumePoint struct {
	state int64
	label *ast.LabelTarget
}

// lowerGenerator turns a generator-shaped lambda into its step function.
func lowerGenerator(fn *ast.Lambda) *ast.Lambda {
	g := &generatorRewriter{
		fn:       fn,
		temps:    &temps{prefix: "$gen."},
		state:    ast.Var("$state", ast.Int),
		current:  ast.Var("$current", ast.Any),
		yielding: ast.Var("$yielding", ast.Bool),
		ret:      ast.Target("$step", ast.Bool),
		valued:   make(map[*ast.LabelTarget]valuedLabel),
		resumes:  make(map[*ast.LabelTarget]bool),
	}

	body := g.restructureTries(fn.Body)
	body = g.lowerValuedLabels(body)
	body = g.spill(body)

	var top []resumePoint
	body = g.lowerYields(body, &top)

	dispatch := &ast.Switch{
		Value: g.state,
		Cases: []ast.SwitchCase{{
			Values: []int64{vm.GeneratorFinished},
			Body:   ast.Return(g.ret, ast.BoolConst(false)),
		}},
	}
	for _, p := range top {
		dispatch.Cases = append(dispatch.Cases, ast.SwitchCase{
			Values: []int64{p.state},
			Body:   ast.Jump(p.label),
		})
	}

	step := &ast.Lambda{
		Name:   fn.Name,
		Params: fn.Params,
		Return: g.ret,
		Shape:  fn.Shape,
		Body: block([]*ast.Variable{g.yielding},
			assign(g.yielding, ast.BoolConst(false)),
			dispatch,
			body,
			assign(g.state, intLit(vm.GeneratorFinished)),
			ast.BoolConst(false),
		),
	}
	step.Hoisted = g.hoist(step)
	log.Debugf("%s: generator with %d resume points, %d hoisted variables",
		fn.Name, g.nextState, len(step.Hoisted))
	return step
}

// ---------------------------------------------------------------------------
// Try restructuring
// ---------------------------------------------------------------------------

func (g *generatorRewriter) restructureTries(n ast.Node) ast.Node {
	return transform(n, func(n ast.Node) ast.Node {
		t, ok := n.(*ast.Try)
		if !ok || !ast.HasYield(t) {
			return n
		}
		return g.restructureTry(t)
	})
}

// restructureTry removes yields from the handler, fault and finally parts
// of t. t's nested tries are already restructured.
func (g *generatorRewriter) restructureTry(t *ast.Try) ast.Node {
	var result *ast.Variable
	if t.T != ast.Void {
		result = g.temps.variable("result", t.T)
		t = voidTry(t, result)
	}

	if t.Fault != nil && ast.HasYield(t.Fault) {
		t = faultToCatch(t, g.temps)
	}

	var out ast.Node = t
	if yieldingHandlers(t) {
		out = g.moveHandlers(t)
	}

	if tf, ok := out.(*ast.Try); ok && tf.Finally != nil && ast.HasYield(tf.Finally) {
		out = lowerFinally(tf, g.temps)
	}

	if result != nil {
		return block([]*ast.Variable{result}, out, result)
	}
	return out
}

// voidTry stores every way t produces a value into result. A finally of
// the same type overrides the value of the protected code.
func voidTry(t *ast.Try, result *ast.Variable) *ast.Try {
	out := &ast.Try{Body: assign(result, t.Body), Fault: t.Fault, T: ast.Void}
	for _, h := range t.Handlers {
		hc := *h
		if h.Body.Type() != ast.Void {
			hc.Body = assign(result, h.Body)
		}
		out.Handlers = append(out.Handlers, &hc)
	}
	out.Finally = t.Finally
	if t.Finally != nil && t.Finally.Type() == t.T {
		out.Finally = assign(result, t.Finally)
	}
	return out
}

// faultToCatch turns `try B fault F` into `try { try B catch... } catch e { F; throw e }`.
func faultToCatch(t *ast.Try, tmp *temps) *ast.Try {
	exc := tmp.variable("fault", ast.Any)
	var inner ast.Node = t.Body
	if len(t.Handlers) > 0 {
		inner = &ast.Try{Body: t.Body, Handlers: t.Handlers, T: ast.Void}
	}
	return &ast.Try{
		Body: inner,
		Handlers: []*ast.Catch{{
			Var:  exc,
			Body: block(nil, t.Fault, &ast.Throw{Value: exc, T: ast.Void}),
		}},
		Finally: t.Finally,
		T:       ast.Void,
	}
}

func yieldingHandlers(t *ast.Try) bool {
	for _, h := range t.Handlers {
		if ast.HasYield(h.Body) {
			return true
		}
	}
	return false
}

// moveHandlers runs t's handler bodies after the try. The handlers only
// record which of them matched and what was caught:
//
//	which = 0; caught = nil
//	try B catch (f1) caught { which = 1 } ...
//	switch which { case 1: v1 = caught; H1 ... }
//
// A rethrow inside a moved body throws caught. Moved bodies are safe points
// wherever they end. A finally of t, if any, still covers them.
func (g *generatorRewriter) moveHandlers(t *ast.Try) ast.Node {
	which := g.temps.variable("which", ast.Int)
	caught := g.temps.variable("caught", ast.Any)

	protected := &ast.Try{Body: t.Body, T: ast.Void}
	dispatch := &ast.Switch{Value: which}
	for i, h := range t.Handlers {
		id := int64(i + 1)
		protected.Handlers = append(protected.Handlers, &ast.Catch{
			Var:     caught,
			Filter:  h.Filter,
			Body:    assign(which, intLit(id)),
			Capture: true,
		})
		var body []ast.Node
		if h.Var != nil {
			g.hoisted = append(g.hoisted, h.Var)
			body = append(body, assign(h.Var, caught))
		}
		body = append(body, pollExits(rethrowAs(h.Body, caught)), &ast.SafePoint{})
		dispatch.Cases = append(dispatch.Cases, ast.SwitchCase{
			Values: []int64{id},
			Body:   block(nil, body...),
		})
	}

	out := block([]*ast.Variable{which, caught},
		assign(which, intLit(0)),
		assign(caught, ast.NilConst()),
		protected,
		dispatch,
	)
	if t.Finally == nil && t.Fault == nil {
		return out
	}
	return &ast.Try{Body: out, Finally: t.Finally, Fault: t.Fault, T: ast.Void}
}

// rethrowAs replaces bare rethrows in a handler body with `throw v`.
// Handlers of nested tries keep their own rethrows.
func rethrowAs(n ast.Node, v *ast.Variable) ast.Node {
	var walk func(ast.Node) ast.Node
	walk = func(n ast.Node) ast.Node {
		switch n := n.(type) {
		case *ast.Throw:
			if n.Value == nil {
				return &ast.Throw{Value: v, T: n.T}
			}
		case *ast.Try:
			c := *n
			c.Body = walk(n.Body)
			if n.Finally != nil {
				c.Finally = walk(n.Finally)
			}
			if n.Fault != nil {
				c.Fault = walk(n.Fault)
			}
			return &c
		}
		return mapChildren(n, walk)
	}
	return walk(n)
}

// ---------------------------------------------------------------------------
// Valued labels and operand spilling
// ---------------------------------------------------------------------------

// lowerValuedLabels makes every label carry its value in a temporary, so
// no value is on the operand stack across a jump.
func (g *generatorRewriter) lowerValuedLabels(n ast.Node) ast.Node {
	get := func(l *ast.LabelTarget) (valuedLabel, bool) {
		if l == nil || l.T == ast.Void || l == g.fn.Return {
			return valuedLabel{}, false
		}
		vl, ok := g.valued[l]
		if !ok {
			vl = valuedLabel{
				target: g.temps.label(l.Name, ast.Void),
				value:  g.temps.variable(l.Name, l.T),
			}
			g.valued[l] = vl
			g.hoisted = append(g.hoisted, vl.value)
		}
		return vl, true
	}
	return transform(n, func(n ast.Node) ast.Node {
		switch n := n.(type) {
		case *ast.Label:
			vl, ok := get(n.Target)
			if !ok {
				return n
			}
			var stmts []ast.Node
			if n.Default != nil {
				stmts = append(stmts, assign(vl.value, n.Default))
			}
			return block(nil, append(stmts, ast.Mark(vl.target), vl.value)...)
		case *ast.Goto:
			vl, ok := get(n.Target)
			if !ok {
				return n
			}
			var stmts []ast.Node
			if n.Value != nil {
				stmts = append(stmts, assign(vl.value, n.Value))
			}
			return block(nil, append(stmts, &ast.Goto{Kind: n.Kind, Target: vl.target, T: n.T})...)
		}
		return n
	})
}

// spill evaluates the operands that precede a yield into temporaries, so
// the operand stack is empty whenever a yield suspends.
func (g *generatorRewriter) spill(n ast.Node) ast.Node {
	return transform(n, func(n ast.Node) ast.Node {
		ops := operands(n)
		last := -1
		for i, op := range ops {
			if ast.HasYield(op) {
				last = i
			}
		}
		if last < 1 {
			return n
		}
		var vars []*ast.Variable
		var stmts []ast.Node
		replaced := make([]ast.Node, len(ops))
		copy(replaced, ops)
		for i := 0; i <= last; i++ {
			v := g.temps.variable("spill", ops[i].Type())
			vars = append(vars, v)
			stmts = append(stmts, assign(v, ops[i]))
			replaced[i] = v
		}
		return block(vars, append(stmts, withOperands(n, replaced))...)
	})
}

// operands lists the children of n that are evaluated onto the operand
// stack before n itself runs.
func operands(n ast.Node) []ast.Node {
	switch n := n.(type) {
	case *ast.HostCall:
		return n.Args
	case *ast.Invoke:
		return append([]ast.Node{n.Target}, n.Args...)
	case *ast.Binary:
		if n.Op == ast.AndAlso || n.Op == ast.OrElse {
			return nil
		}
		return []ast.Node{n.X, n.Y}
	case *ast.SetField:
		return []ast.Node{n.Object, n.Value}
	}
	return nil
}

func withOperands(n ast.Node, ops []ast.Node) ast.Node {
	switch n := n.(type) {
	case *ast.HostCall:
		c := *n
		c.Args = ops
		return &c
	case *ast.Invoke:
		c := *n
		c.Target, c.Args = ops[0], ops[1:]
		return &c
	case *ast.Binary:
		c := *n
		c.X, c.Y = ops[0], ops[1]
		return &c
	case *ast.SetField:
		c := *n
		c.Object, c.Value = ops[0], ops[1]
		return &c
	}
	return n
}

// ---------------------------------------------------------------------------
// Hoisting and yield lowering
// ---------------------------------------------------------------------------

// hoist lists the variables that must survive a suspension: state and
// current first, then parameters, temporaries, and the variables of every
// block that contains a resume label.
func (g *generatorRewriter) hoist(step *ast.Lambda) []*ast.Variable {
	out := []*ast.Variable{g.state, g.current}
	out = append(out, step.Params...)
	out = append(out, g.hoisted...)
	inspectOwn(step.Body, func(n ast.Node) {
		b, ok := n.(*ast.Block)
		if !ok || len(b.Vars) == 0 || b == step.Body {
			return
		}
		if ast.Contains(b, g.isResumeLabel) {
			out = append(out, b.Vars...)
		}
	})
	return out
}

func (g *generatorRewriter) isResumeLabel(n ast.Node) bool {
	l, ok := n.(*ast.Label)
	return ok && g.resumes[l.Target]
}

// lowerYields replaces each yield with a store of the produced value and
// state followed by a return from the step function, and records the
// label at which the next step resumes.
func (g *generatorRewriter) lowerYields(n ast.Node, points *[]resumePoint) ast.Node {
	switch n := n.(type) {
	case nil:
		return nil
	case *ast.Yield:
		if n.Break {
			return g.finish(nil, ast.Void)
		}
		g.nextState++
		k := g.nextState
		resume := g.temps.label("resume", ast.Void)
		g.resumes[resume] = true
		*points = append(*points, resumePoint{state: k, label: resume})
		var value ast.Node = ast.NilConst()
		if n.Value != nil {
			value = g.lowerYields(n.Value, points)
		}
		return block(nil,
			assign(g.current, value),
			assign(g.state, intLit(k)),
			assign(g.yielding, ast.BoolConst(true)),
			ast.Return(g.ret, ast.BoolConst(true)),
			ast.Mark(resume),
			assign(g.state, intLit(0)),
		)
	case *ast.Goto:
		if g.fn.Return != nil && n.Target == g.fn.Return {
			var value ast.Node
			if n.Value != nil {
				value = g.lowerYields(n.Value, points)
			}
			return g.finish(value, n.T)
		}
	case *ast.Try:
		if !ast.HasYield(n.Body) {
			break
		}
		var inner []resumePoint
		c := *n
		c.Body = g.lowerYields(n.Body, &inner)
		c.Handlers = make([]*ast.Catch, len(n.Handlers))
		for i, h := range n.Handlers {
			hc := *h
			hc.Body = g.lowerYields(h.Body, points)
			c.Handlers[i] = &hc
		}
		if n.Finally != nil {
			c.Finally = ast.If(&ast.Unary{Op: ast.Not, X: g.yielding}, g.lowerYields(n.Finally, points))
		}
		if n.Fault != nil {
			c.Fault = g.lowerYields(n.Fault, points)
		}

		entry := g.temps.label("tryEntry", ast.Void)
		dispatch := &ast.Switch{Value: g.state}
		for _, p := range inner {
			dispatch.Cases = append(dispatch.Cases, ast.SwitchCase{Values: []int64{p.state}, Body: ast.Jump(p.label)})
			*points = append(*points, resumePoint{state: p.state, label: entry})
		}
		c.Body = block(nil, dispatch, c.Body)
		return block(nil, ast.Mark(entry), &c)
	}
	return mapChildren(n, func(c ast.Node) ast.Node { return g.lowerYields(c, points) })
}

// finish ends the generator: state becomes finished and the step returns
// false. value, if any, is evaluated for its effects.
func (g *generatorRewriter) finish(value ast.Node, t ast.Type) ast.Node {
	var stmts []ast.Node
	if value != nil {
		stmts = append(stmts, value)
	}
	stmts = append(stmts,
		assign(g.state, intLit(vm.GeneratorFinished)),
		&ast.Goto{Kind: ast.GotoReturn, Target: g.ret, Value: ast.BoolConst(false), T: t},
	)
	return block(nil, stmts...)
}
