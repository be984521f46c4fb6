// Package ast defines the expression trees tern compiles.
//
// Trees are produced by a front-end (not part of this module) and consumed
// by the compiler package. Every node carries a static Type; variables and
// label targets are identified by pointer, so the same *Variable appearing
// in two places refers to the same storage.
package ast

import "fmt"

// Type is the static type of a node.
type Type uint8

const (
	Void Type = iota
	Bool
	Int
	Float
	String
	Any
)

var typeNames = [...]string{
	Void:   "void",
	Bool:   "bool",
	Int:    "int",
	Float:  "float",
	String: "string",
	Any:    "any",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Node is implemented by every expression node.
type Node interface {
	Type() Type
	node()
}

// Variable is a named storage location. Identity is the pointer.
type Variable struct {
	Name string
	T    Type
}

func (v *Variable) Type() Type { return v.T }
func (*Variable) node()        {}

func (v *Variable) String() string { return v.Name }

// LabelTarget identifies a jump destination. T is the type of the value
// carried by jumps to it (Void for plain labels).
type LabelTarget struct {
	Name string
	T    Type
}

func (l *LabelTarget) String() string {
	if l.Name == "" {
		return fmt.Sprintf("label@%p", l)
	}
	return l.Name
}

// Constant is a literal. Value is nil, bool, int64, float64 or string.
type Constant struct {
	Value any
	T     Type
}

func (c *Constant) Type() Type { return c.T }
func (*Constant) node()        {}

// Assign stores Value into Target and evaluates to the stored value.
type Assign struct {
	Target *Variable
	Value  Node
}

func (a *Assign) Type() Type { return a.Target.T }
func (*Assign) node()        {}

// UnaryOp is the operator of a Unary node.
type UnaryOp uint8

const (
	Neg UnaryOp = iota
	Not
	IsNil
)

// Unary applies Op to X.
type Unary struct {
	Op UnaryOp
	X  Node
}

func (u *Unary) Type() Type {
	if u.Op == Neg {
		return u.X.Type()
	}
	return Bool
}
func (*Unary) node() {}

// BinaryOp is the operator of a Binary node.
type BinaryOp uint8

const (
	Add BinaryOp = iota
	Sub
	Mul
	Div
	Mod
	AddChecked
	SubChecked
	MulChecked
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
	AndAlso
	OrElse
)

var binaryNames = [...]string{
	Add: "+", Sub: "-", Mul: "*", Div: "/", Mod: "%",
	AddChecked: "+!", SubChecked: "-!", MulChecked: "*!",
	Eq: "==", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">=",
	AndAlso: "&&", OrElse: "||",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryNames) {
		return binaryNames[op]
	}
	return fmt.Sprintf("BinaryOp(%d)", op)
}

// IsComparison reports whether op produces a Bool from two operands.
func (op BinaryOp) IsComparison() bool {
	return op >= Eq
}

// Binary applies Op to X and Y. AndAlso and OrElse short-circuit.
type Binary struct {
	Op   BinaryOp
	X, Y Node
}

func (b *Binary) Type() Type {
	if b.Op.IsComparison() {
		return Bool
	}
	return b.X.Type()
}
func (*Binary) node() {}

// HostCall invokes the host function registered under Name.
type HostCall struct {
	Name string
	Args []Node
	T    Type
}

func (c *HostCall) Type() Type { return c.T }
func (*HostCall) node()        {}

// HostRef evaluates to the host function registered under Name as a value,
// suitable as the Target of an Invoke.
type HostRef struct {
	Name string
}

func (*HostRef) Type() Type { return Any }
func (*HostRef) node()      {}

// Invoke calls a function value (a closure or a host function reference).
type Invoke struct {
	Target Node
	Args   []Node
	T      Type
}

func (c *Invoke) Type() Type { return c.T }
func (*Invoke) node()        {}

// Field reads the named field of a host object.
type Field struct {
	Object Node
	Name   string
	T      Type
}

func (f *Field) Type() Type { return f.T }
func (*Field) node()        {}

// SetField writes the named field of a host object.
type SetField struct {
	Object Node
	Name   string
	Value  Node
}

func (*SetField) Type() Type { return Void }
func (*SetField) node()      {}

// Conditional evaluates Then or Else depending on Test. Else may be nil
// when T is Void.
type Conditional struct {
	Test, Then, Else Node
	T                Type
}

func (c *Conditional) Type() Type { return c.T }
func (*Conditional) node()        {}

// Block introduces Vars for the extent of Body and evaluates to the value
// of its last expression.
type Block struct {
	Vars []*Variable
	Body []Node
}

func (b *Block) Type() Type {
	if len(b.Body) == 0 {
		return Void
	}
	return b.Body[len(b.Body)-1].Type()
}
func (*Block) node() {}

// Loop runs Body forever. Break and Continue, when set, are the label
// targets placed after the loop and at its head.
type Loop struct {
	Body     Node
	Break    *LabelTarget
	Continue *LabelTarget
}

func (*Loop) Type() Type { return Void }
func (*Loop) node()      {}

// Catch is one handler of a Try. An empty Filter matches every exception;
// otherwise it names the exception kind handled.
type Catch struct {
	Var    *Variable
	Filter string
	Body   Node

	// Capture marks a handler that only records the exception for a later
	// rethrow; leaving it is not a cancellation safe point.
	Capture bool
}

// Try runs Body under Handlers, then Finally. Fault runs only when Body
// exits by exception and the exception continues afterwards. A Try has
// either Finally or Fault, not both.
type Try struct {
	Body     Node
	Handlers []*Catch
	Finally  Node
	Fault    Node
	T        Type
}

func (t *Try) Type() Type { return t.T }
func (*Try) node()        {}

// Label marks the position of Target. When control falls through, the
// label evaluates to Default.
type Label struct {
	Target  *LabelTarget
	Default Node
}

func (l *Label) Type() Type { return l.Target.T }
func (*Label) node()        {}

// GotoKind records the source-level flavour of a jump.
type GotoKind uint8

const (
	GotoJump GotoKind = iota
	GotoBreak
	GotoContinue
	GotoReturn
)

// Goto transfers control to Target, carrying Value when Target is typed.
// T is the static type the Goto expression pretends to produce.
type Goto struct {
	Kind   GotoKind
	Target *LabelTarget
	Value  Node
	T      Type
}

func (g *Goto) Type() Type { return g.T }
func (*Goto) node()        {}

// Yield suspends a generator producing Value, or finishes it when Break
// is set.
type Yield struct {
	Value Node
	Break bool
}

func (*Yield) Type() Type { return Void }
func (*Yield) node()      {}

// Throw raises Value. A nil Value inside a catch body rethrows the
// exception being handled.
type Throw struct {
	Value Node
	T     Type
}

func (t *Throw) Type() Type { return t.T }
func (*Throw) node()        {}

// SwitchCase is one arm of a Switch.
type SwitchCase struct {
	Values []int64
	Body   Node
}

// Switch dispatches on an integer Value.
type Switch struct {
	Value   Node
	Cases   []SwitchCase
	Default Node
}

func (*Switch) Type() Type { return Void }
func (*Switch) node()      {}

// SafePoint is a cancellation check.
type SafePoint struct{}

func (*SafePoint) Type() Type { return Void }
func (*SafePoint) node()      {}

// Shape distinguishes ordinary functions from generators.
type Shape uint8

const (
	Function Shape = iota
	// Generator bodies produce a sequence of values through Yield.
	Generator
	// Iterable generators hand out independent iterators.
	Iterable
)

func (s Shape) String() string {
	switch s {
	case Function:
		return "function"
	case Generator:
		return "generator"
	case Iterable:
		return "iterable"
	}
	return fmt.Sprintf("Shape(%d)", s)
}

// Lambda is a function literal. Return, when set, is the target of
// GotoReturn jumps; its type is the function's result type.
type Lambda struct {
	Name   string
	Params []*Variable
	Body   Node
	Return *LabelTarget
	Shape  Shape

	// Hoisted lists variables that must live in arena cells even when no
	// closure captures them. The generator rewrite fills it in.
	Hoisted []*Variable
}

func (*Lambda) Type() Type { return Any }
func (*Lambda) node()      {}

// ResultType is the type the lambda returns.
func (l *Lambda) ResultType() Type {
	if l.Return != nil {
		return l.Return.T
	}
	if l.Body == nil {
		return Void
	}
	return l.Body.Type()
}
