package compiler

import (
	"fmt"

	"github.com/chazu/tern/ast"
)

// ---------------------------------------------------------------------------
// Scope analysis: variable declarations, captures and storage assignment
// ---------------------------------------------------------------------------

// storage says where a variable lives at run time. A cell with a scope
// lives in that block scope's arena rather than the function's.
type storage struct {
	cell  bool
	index int
	owner *funcScope
	scope *blockScope
}

// blockScope is a block whose captured variables get a fresh arena each
// time the block is entered. The arena is kept in a hidden local.
type blockScope struct {
	parent *blockScope
	holder int
	size   int
}

// funcScope is the resolved storage layout of one lowered lambda.
type funcScope struct {
	parent *funcScope
	lambda *ast.Lambda
	vars   map[*ast.Variable]*storage

	// Innermost block scope of the parent around the lambda's creation.
	creation *blockScope
	// Block scopes in tree order, outer before inner.
	scopes    []*blockScope
	blocks    map[*ast.Block]*blockScope
	creations map[*ast.Lambda]*blockScope

	numLocals int
	numCells  int
	errors    []error
}

// hasArena reports whether activations of the function allocate their own
// arena. Functions without cells run in their closure's arena.
func (s *funcScope) hasArena() bool { return s.numCells > 0 }

func (s *funcScope) errorf(err error, format string, args ...any) {
	s.errors = append(s.errors, fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)))
}

// allocLocal reserves a fresh local slot.
func (s *funcScope) allocLocal() int {
	s.numLocals++
	return s.numLocals - 1
}

// analyzeScope lays out the storage of a lowered lambda created inside
// block scope creation of parent. Parameters take locals 0..n-1.
// Variables listed in Hoisted live in function arena cells, in order.
// Block variables referenced from a nested lambda live in their block's
// scope arena; other captured variables follow the hoisted ones in the
// function arena. Everything else gets its own local slot.
func analyzeScope(l *ast.Lambda, parent *funcScope, creation *blockScope) *funcScope {
	s := &funcScope{
		parent:    parent,
		lambda:    l,
		vars:      make(map[*ast.Variable]*storage),
		creation:  creation,
		blocks:    make(map[*ast.Block]*blockScope),
		creations: make(map[*ast.Lambda]*blockScope),
	}

	declared := declaredVars(l)
	captured := capturedVars(l)

	for _, v := range l.Hoisted {
		if _, ok := s.vars[v]; ok {
			continue
		}
		s.vars[v] = &storage{cell: true, index: s.numCells, owner: s}
		s.numCells++
	}
	params := make(map[*ast.Variable]bool, len(l.Params))
	for _, p := range l.Params {
		params[p] = true
	}
	s.layoutBlocks(l.Body, nil, func(v *ast.Variable) bool {
		_, taken := s.vars[v]
		return captured[v] && !taken && !params[v]
	})

	for _, v := range append(append([]*ast.Variable(nil), l.Params...), declared...) {
		if _, ok := s.vars[v]; ok || !captured[v] {
			continue
		}
		s.vars[v] = &storage{cell: true, index: s.numCells, owner: s}
		s.numCells++
	}

	// Parameter cells are filled from the argument locals on entry.
	s.numLocals = len(l.Params)
	for i, p := range l.Params {
		if _, ok := s.vars[p]; !ok {
			s.vars[p] = &storage{index: i, owner: s}
		}
	}
	for _, v := range declared {
		if _, ok := s.vars[v]; ok {
			continue
		}
		s.vars[v] = &storage{index: s.allocLocal(), owner: s}
	}
	for _, bs := range s.scopes {
		bs.holder = s.allocLocal()
	}

	s.checkReferences(l)
	return s
}

// layoutBlocks gives every block with variables selected by scoped its own
// block scope, and records the innermost scope around each nested lambda.
func (s *funcScope) layoutBlocks(n ast.Node, current *blockScope, scoped func(*ast.Variable) bool) {
	switch n := n.(type) {
	case nil:
		return
	case *ast.Lambda:
		s.creations[n] = current
		return
	case *ast.Block:
		var bs *blockScope
		for _, v := range n.Vars {
			if !scoped(v) {
				continue
			}
			if bs == nil {
				bs = &blockScope{parent: current}
				s.blocks[n] = bs
				s.scopes = append(s.scopes, bs)
			}
			s.vars[v] = &storage{cell: true, index: bs.size, owner: s, scope: bs}
			bs.size++
		}
		if bs != nil {
			current = bs
		}
	}
	for _, c := range ast.Children(n) {
		s.layoutBlocks(c, current, scoped)
	}
}

// paramCells maps each parameter to its cell, or -1.
func (s *funcScope) paramCells() []int {
	out := make([]int, len(s.lambda.Params))
	for i, p := range s.lambda.Params {
		out[i] = -1
		if st := s.vars[p]; st != nil && st.cell {
			out[i] = st.index
		}
	}
	return out
}

// lookup resolves v from this scope. For variables of enclosing lambdas,
// depth counts the arenas between the current activation's and the one
// holding v: the activation's own arena if it has one, then each block
// scope around the lambda's creation, then the parent's arena, and so on
// outwards. A variable of a block scope that does not enclose the lambda
// is not visible.
func (s *funcScope) lookup(v *ast.Variable) (st *storage, depth int, ok bool) {
	if st, ok := s.vars[v]; ok {
		return st, 0, true
	}
	for sc := s; sc.parent != nil; sc = sc.parent {
		if sc.hasArena() {
			depth++
		}
		st, found := sc.parent.vars[v]
		for b := sc.creation; b != nil; b = b.parent {
			if found && st.scope == b {
				return st, depth, true
			}
			depth++
		}
		if found {
			return st, depth, st.scope == nil
		}
	}
	return nil, 0, false
}

// checkReferences reports variables used in l but declared nowhere in
// scope, and captures of outer locals that are not cells.
func (s *funcScope) checkReferences(l *ast.Lambda) {
	seen := make(map[*ast.Variable]bool)
	check := func(v *ast.Variable) {
		if v == nil || seen[v] {
			return
		}
		seen[v] = true
		st, _, ok := s.lookup(v)
		if !ok {
			s.errorf(ErrUndeclaredVariable, "%s in %s", v.Name, lambdaName(l))
			return
		}
		if st.owner != s && !st.cell {
			s.errorf(ErrUndeclaredVariable, "%s is local to %s", v.Name, lambdaName(st.owner.lambda))
		}
	}
	inspectOwn(l.Body, func(n ast.Node) {
		switch n := n.(type) {
		case *ast.Variable:
			check(n)
		case *ast.Assign:
			check(n.Target)
		case *ast.Try:
			for _, h := range n.Handlers {
				check(h.Var)
			}
		}
	})
}

// inspectOwn visits the nodes of one lambda body, skipping nested lambdas.
func inspectOwn(body ast.Node, f func(ast.Node)) {
	ast.Inspect(body, func(n ast.Node) bool {
		f(n)
		_, nested := n.(*ast.Lambda)
		return !nested
	})
}

// declaredVars lists the variables l introduces: block variables, then
// catch variables not declared by a block. Parameters are excluded.
func declaredVars(l *ast.Lambda) []*ast.Variable {
	seen := make(map[*ast.Variable]bool)
	for _, p := range l.Params {
		seen[p] = true
	}
	var out []*ast.Variable
	add := func(v *ast.Variable) {
		if v != nil && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	inspectOwn(l.Body, func(n ast.Node) {
		if b, ok := n.(*ast.Block); ok {
			for _, v := range b.Vars {
				add(v)
			}
		}
	})
	for _, v := range l.Hoisted {
		add(v)
	}
	inspectOwn(l.Body, func(n ast.Node) {
		if t, ok := n.(*ast.Try); ok {
			for _, h := range t.Handlers {
				add(h.Var)
			}
		}
	})
	return out
}

// capturedVars returns every variable referenced from a lambda nested
// anywhere inside l.
func capturedVars(l *ast.Lambda) map[*ast.Variable]bool {
	out := make(map[*ast.Variable]bool)
	inspectOwn(l.Body, func(n ast.Node) {
		nested, ok := n.(*ast.Lambda)
		if !ok {
			return
		}
		ast.Inspect(nested.Body, func(c ast.Node) bool {
			switch c := c.(type) {
			case *ast.Variable:
				out[c] = true
			case *ast.Assign:
				out[c.Target] = true
			case *ast.Try:
				for _, h := range c.Handlers {
					if h.Var != nil {
						out[h.Var] = true
					}
				}
			}
			return true
		})
	})
	return out
}

func lambdaName(l *ast.Lambda) string {
	if l.Name == "" {
		return "<lambda>"
	}
	return l.Name
}
