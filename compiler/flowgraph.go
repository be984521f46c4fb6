package compiler

import (
	"fmt"

	"github.com/chazu/tern/ast"
)

// ---------------------------------------------------------------------------
// Flow graph: protected regions, label definitions and jump edges
// ---------------------------------------------------------------------------

type regionKind uint8

const (
	regionRoot regionKind = iota
	regionTryBody
	regionCatch
	regionFinally
	regionFault
)

var regionNames = [...]string{
	regionRoot:    "function body",
	regionTryBody: "try body",
	regionCatch:   "catch",
	regionFinally: "finally",
	regionFault:   "fault",
}

func (k regionKind) String() string { return regionNames[k] }

// region is one protected part of a Try, or the function body itself.
type region struct {
	kind   regionKind
	try    *ast.Try
	parent *region
}

// within reports whether r is outer or one of its descendants.
func (r *region) within(outer *region) bool {
	for ; r != nil; r = r.parent {
		if r == outer {
			return true
		}
	}
	return false
}

type jumpEdge struct {
	jump   *ast.Goto
	region *region
}

// flowGraph records where every label of one lambda is defined and where
// every jump to it comes from. Nested lambdas are separate graphs.
type flowGraph struct {
	root    *region
	regions []*region
	labels  map[*ast.LabelTarget]*region
	jumps   []jumpEdge
	errs    []error
}

func buildFlowGraph(fn *ast.Lambda) *flowGraph {
	g := &flowGraph{labels: make(map[*ast.LabelTarget]*region)}
	g.root = g.newRegion(regionRoot, nil, nil)
	if fn.Return != nil {
		g.define(fn.Return, g.root)
	}
	g.walk(fn.Body, g.root)
	return g
}

func (g *flowGraph) newRegion(kind regionKind, t *ast.Try, parent *region) *region {
	r := &region{kind: kind, try: t, parent: parent}
	g.regions = append(g.regions, r)
	return r
}

func (g *flowGraph) define(l *ast.LabelTarget, r *region) {
	if l == nil {
		return
	}
	if _, dup := g.labels[l]; dup {
		g.errs = append(g.errs, fmt.Errorf("%w: %s", ErrDuplicateLabel, l))
		return
	}
	g.labels[l] = r
}

func (g *flowGraph) walk(n ast.Node, r *region) {
	switch n := n.(type) {
	case nil:
		return
	case *ast.Lambda:
		return
	case *ast.Try:
		g.walk(n.Body, g.newRegion(regionTryBody, n, r))
		for _, h := range n.Handlers {
			g.walk(h.Body, g.newRegion(regionCatch, n, r))
		}
		if n.Finally != nil {
			g.walk(n.Finally, g.newRegion(regionFinally, n, r))
		}
		if n.Fault != nil {
			g.walk(n.Fault, g.newRegion(regionFault, n, r))
		}
		return
	case *ast.Label:
		g.define(n.Target, r)
	case *ast.Loop:
		g.define(n.Break, r)
		g.define(n.Continue, r)
	case *ast.Goto:
		g.jumps = append(g.jumps, jumpEdge{jump: n, region: r})
	}
	for _, c := range ast.Children(n) {
		g.walk(c, r)
	}
}

// crossed returns the regions a jump leaves, innermost first.
func (g *flowGraph) crossed(e jumpEdge) ([]*region, error) {
	def, ok := g.labels[e.jump.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedLabel, e.jump.Target)
	}
	if !e.region.within(def) {
		return nil, fmt.Errorf("%w: %s", ErrJumpIntoTry, e.jump.Target)
	}
	var out []*region
	for r := e.region; r != def; r = r.parent {
		out = append(out, r)
	}
	return out, nil
}

// analyze validates every jump and returns the tries whose finally blocks
// some jump leaves. Such tries are lowered to flow-variable dispatch.
func (g *flowGraph) analyze() (map[*ast.Try]bool, []error) {
	errs := append([]error(nil), g.errs...)
	lower := make(map[*ast.Try]bool)
	for _, e := range g.jumps {
		regions, err := g.crossed(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range regions {
			switch r.kind {
			case regionFault:
				errs = append(errs, fmt.Errorf("%w: jump to %s", ErrJumpOutOfFault, e.jump.Target))
			case regionFinally:
				lower[r.try] = true
			}
		}
	}
	return lower, errs
}
