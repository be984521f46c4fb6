package ast

// Children returns the direct sub-nodes of n in evaluation order. Catch
// bodies follow the try body; a nested Lambda's body is included.
func Children(n Node) []Node {
	var out []Node
	add := func(c Node) {
		if c != nil {
			out = append(out, c)
		}
	}
	switch n := n.(type) {
	case *Assign:
		add(n.Value)
	case *Unary:
		add(n.X)
	case *Binary:
		add(n.X)
		add(n.Y)
	case *HostCall:
		for _, a := range n.Args {
			add(a)
		}
	case *Invoke:
		add(n.Target)
		for _, a := range n.Args {
			add(a)
		}
	case *Field:
		add(n.Object)
	case *SetField:
		add(n.Object)
		add(n.Value)
	case *Conditional:
		add(n.Test)
		add(n.Then)
		add(n.Else)
	case *Block:
		for _, s := range n.Body {
			add(s)
		}
	case *Loop:
		add(n.Body)
	case *Try:
		add(n.Body)
		for _, h := range n.Handlers {
			add(h.Body)
		}
		add(n.Finally)
		add(n.Fault)
	case *Label:
		add(n.Default)
	case *Goto:
		add(n.Value)
	case *Yield:
		add(n.Value)
	case *Throw:
		add(n.Value)
	case *Switch:
		add(n.Value)
		for _, c := range n.Cases {
			add(c.Body)
		}
		add(n.Default)
	case *Lambda:
		add(n.Body)
	}
	return out
}

// Inspect walks the tree rooted at n in depth-first order, calling f for
// each node. Children are skipped when f returns false.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}
	for _, c := range Children(n) {
		Inspect(c, f)
	}
}

// Contains reports whether pred holds for some node under n, not
// descending into nested lambdas.
func Contains(n Node, pred func(Node) bool) bool {
	found := false
	Inspect(n, func(c Node) bool {
		if found {
			return false
		}
		if pred(c) {
			found = true
			return false
		}
		_, isLambda := c.(*Lambda)
		return !isLambda || c == n
	})
	return found
}

// HasYield reports whether n contains a Yield outside nested lambdas.
func HasYield(n Node) bool {
	return Contains(n, func(c Node) bool {
		_, ok := c.(*Yield)
		return ok
	})
}
