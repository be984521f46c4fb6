package ast

// Small constructors for hand-built trees.

func Var(name string, t Type) *Variable { return &Variable{Name: name, T: t} }

func Target(name string, t Type) *LabelTarget { return &LabelTarget{Name: name, T: t} }

func IntConst(n int64) *Constant { return &Constant{Value: n, T: Int} }

func FloatConst(f float64) *Constant { return &Constant{Value: f, T: Float} }

func BoolConst(b bool) *Constant { return &Constant{Value: b, T: Bool} }

func StringConst(s string) *Constant { return &Constant{Value: s, T: String} }

func NilConst() *Constant { return &Constant{T: Any} }

func Set(v *Variable, value Node) *Assign { return &Assign{Target: v, Value: value} }

func Op(op BinaryOp, x, y Node) *Binary { return &Binary{Op: op, X: x, Y: y} }

func Seq(body ...Node) *Block { return &Block{Body: body} }

func Scope(vars []*Variable, body ...Node) *Block { return &Block{Vars: vars, Body: body} }

func If(test, then Node) *Conditional { return &Conditional{Test: test, Then: then, T: Void} }

func IfElse(test, then, els Node, t Type) *Conditional {
	return &Conditional{Test: test, Then: then, Else: els, T: t}
}

func Jump(l *LabelTarget) *Goto { return &Goto{Kind: GotoJump, Target: l, T: Void} }

func JumpWith(l *LabelTarget, v Node) *Goto {
	return &Goto{Kind: GotoJump, Target: l, Value: v, T: Void}
}

func Break(l *LabelTarget) *Goto { return &Goto{Kind: GotoBreak, Target: l, T: Void} }

func Continue(l *LabelTarget) *Goto { return &Goto{Kind: GotoContinue, Target: l, T: Void} }

func Return(l *LabelTarget, v Node) *Goto {
	return &Goto{Kind: GotoReturn, Target: l, Value: v, T: Void}
}

func Mark(l *LabelTarget) *Label { return &Label{Target: l} }

func YieldValue(v Node) *Yield { return &Yield{Value: v} }

func YieldBreak() *Yield { return &Yield{Break: true} }

func Call(name string, t Type, args ...Node) *HostCall {
	return &HostCall{Name: name, Args: args, T: t}
}

// While builds `loop { if !test break; body }` with fresh break/continue
// targets.
func While(test Node, body ...Node) *Loop {
	brk := Target("break", Void)
	cont := Target("continue", Void)
	stmts := append([]Node{If(&Unary{Op: Not, X: test}, Break(brk))}, body...)
	return &Loop{Body: Seq(stmts...), Break: brk, Continue: cont}
}

// For builds `i = from; while i < to { body; i = i + 1 }`. Continue skips
// the increment.
func For(i *Variable, from, to Node, body ...Node) *Block {
	step := Set(i, Op(Add, i, IntConst(1)))
	loop := While(Op(Lt, i, to), append(append([]Node{}, body...), step)...)
	return Seq(Set(i, from), loop)
}
