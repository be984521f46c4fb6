package compiler

import (
	"fmt"

	"github.com/chazu/tern/ast"
	"github.com/hashicorp/go-multierror"
)

// ---------------------------------------------------------------------------
// Flow-control lowering
// ---------------------------------------------------------------------------

// A jump that leaves a finally block cannot be expressed with the
// interpreter's continuation stack: the finally would have to be both
// running and pending. Tries whose finally is left that way are rewritten
// so the finally runs inline after the protected code, and every jump
// that leaves the protected code records where it was going in a flow
// variable:
//
//	flow = 0; exc = nil
//	try { body; tryEnd: } catch (exc) {}
//	finally
//	if exc != nil { throw exc }
//	switch flow { case 1: goto L1 ... }
//
// Jumps out of the inlined finally are then ordinary jumps, handled by
// the enclosing regions.

// lowerFlowControl validates the jumps of fn and rewrites the tries that
// need it. The returned lambda shares untouched subtrees with fn.
func lowerFlowControl(fn *ast.Lambda) (*ast.Lambda, error) {
	g := buildFlowGraph(fn)
	lower, errs := g.analyze()
	var merr *multierror.Error
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}
	for t := range lower {
		if t.T != ast.Void {
			merr = multierror.Append(merr, fmt.Errorf("%w (%s try)", ErrNonVoidTryFlowControl, t.T))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	if len(lower) == 0 {
		return fn, nil
	}

	r := &flowRewriter{lower: lower, temps: &temps{prefix: "$flow."}}
	out := *fn
	out.Body = r.rewrite(fn.Body)
	log.Debugf("%s: lowered %d try/finally regions", fn.Name, len(lower))
	return &out, nil
}

type flowRewriter struct {
	lower map[*ast.Try]bool
	temps *temps
}

func (r *flowRewriter) rewrite(n ast.Node) ast.Node {
	if n == nil {
		return nil
	}
	if t, ok := n.(*ast.Try); ok && r.lower[t] {
		inner := mapChildren(t, r.rewrite).(*ast.Try)
		return lowerFinally(inner, r.temps)
	}
	return mapChildren(n, r.rewrite)
}

// lowerFinally rewrites a void try/finally into flow-variable dispatch.
// t's children must already be lowered. The generator rewrite uses the
// same shape for finally blocks that contain a yield.
func lowerFinally(t *ast.Try, tmp *temps) ast.Node {
	flow := tmp.variable("flow", ast.Int)
	exc := tmp.variable("exc", ast.Any)
	tryEnd := tmp.label("tryEnd", ast.Void)

	var protected ast.Node = t.Body
	if len(t.Handlers) > 0 {
		protected = &ast.Try{Body: t.Body, Handlers: t.Handlers, T: ast.Void}
	}

	vars := []*ast.Variable{flow, exc}
	ids := make(map[*ast.LabelTarget]int64)
	values := make(map[*ast.LabelTarget]*ast.Variable)
	var cases []ast.SwitchCase

	local := definedLabels(protected)
	redirect := func(n ast.Node) ast.Node {
		g, ok := n.(*ast.Goto)
		if !ok || local[g.Target] {
			return n
		}
		id, seen := ids[g.Target]
		if !seen {
			id = int64(len(ids) + 1)
			ids[g.Target] = id
			var carried ast.Node
			if g.Target.T != ast.Void {
				v := tmp.variable("value", g.Target.T)
				vars = append(vars, v)
				values[g.Target] = v
				carried = v
			}
			cases = append(cases, ast.SwitchCase{
				Values: []int64{id},
				Body:   &ast.Goto{Kind: g.Kind, Target: g.Target, Value: carried, T: ast.Void},
			})
		}
		var stmts []ast.Node
		if g.Value != nil {
			if v := values[g.Target]; v != nil {
				stmts = append(stmts, assign(v, g.Value))
			} else {
				stmts = append(stmts, g.Value)
			}
		}
		stmts = append(stmts, assign(flow, intLit(id)), gotoLabel(tryEnd, g.T))
		return block(nil, stmts...)
	}
	protected = transform(protected, redirect)

	body := []ast.Node{
		assign(flow, intLit(0)),
		assign(exc, ast.NilConst()),
		&ast.Try{
			Body:     block(nil, protected, ast.Mark(tryEnd)),
			Handlers: []*ast.Catch{{Var: exc, Body: block(nil), Capture: true}},
			T:        ast.Void,
		},
	}
	if t.Finally != nil {
		body = append(body, t.Finally)
	}
	body = append(body,
		ast.If(notNil(exc), &ast.Throw{Value: exc, T: ast.Void}),
		&ast.SafePoint{},
	)
	if len(cases) > 0 {
		body = append(body, &ast.Switch{Value: flow, Cases: cases})
	}
	return block(vars, body...)
}
