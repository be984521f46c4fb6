package compiler

import (
	"fmt"

	"github.com/chazu/tern/ast"
	"github.com/chazu/tern/vm"
)

// ---------------------------------------------------------------------------
// Codegen: compile lowered trees to bytecode
// ---------------------------------------------------------------------------

// funcCompiler holds the state of one function being compiled.
type funcCompiler struct {
	c      *Compiler
	lambda *ast.Lambda
	scope  *funcScope
	il     *vm.InstructionList
	labels map[*ast.LabelTarget]*labelInfo

	// Number of try/finally regions around the code being generated.
	// Returns inside one go through retLabel so the finally blocks run.
	finallyDepth int
	retLabel     *vm.Label
	retTemp      int

	// Where the exception of each enclosing catch body is kept, innermost
	// last. Bare rethrows load it.
	caught []exceptionSlot

	// Number of non-capture catch bodies around the code being generated.
	// Jumps, returns and throws inside one poll for cancellation first.
	catchDepth int
}

type labelInfo struct {
	label *vm.Label
	temp  int // local carrying the label's value, -1 for void labels

	// Depth at the label, when known before jumps are emitted. Jumps at
	// the same depth are plain branches.
	known       bool
	stack, cont int
}

type exceptionSlot struct {
	v     *ast.Variable
	local int
}

var unaryOps = map[ast.UnaryOp]vm.Opcode{
	ast.Neg:   vm.OpNeg,
	ast.Not:   vm.OpNot,
	ast.IsNil: vm.OpIsNil,
}

var binaryOps = map[ast.BinaryOp]vm.Opcode{
	ast.Add:        vm.OpAdd,
	ast.Sub:        vm.OpSub,
	ast.Mul:        vm.OpMul,
	ast.Div:        vm.OpDiv,
	ast.Mod:        vm.OpMod,
	ast.AddChecked: vm.OpAddChecked,
	ast.SubChecked: vm.OpSubChecked,
	ast.MulChecked: vm.OpMulChecked,
	ast.Eq:         vm.OpEQ,
	ast.Ne:         vm.OpNE,
	ast.Lt:         vm.OpLT,
	ast.Le:         vm.OpLE,
	ast.Gt:         vm.OpGT,
	ast.Ge:         vm.OpGE,
}

// compileFunction lowers and compiles l, appending it to the program. It
// returns the function's index, which is reserved before nested lambdas
// are compiled.
func (c *Compiler) compileFunction(l *ast.Lambda, parent *funcScope) (idx int) {
	idx = len(c.functions)
	fn := &vm.Function{
		Name:      lambdaName(l),
		Shape:     toShape(l.Shape),
		NumParams: len(l.Params),
	}
	c.functions = append(c.functions, fn)

	defer func() {
		if r := recover(); r != nil {
			c.errorf(ErrInvalidTree, "%s: %v", fn.Name, r)
		}
	}()

	lowered, err := Lower(l)
	if err != nil {
		c.appendErr(fmt.Errorf("%s: %w", fn.Name, err))
		return idx
	}
	var creation *blockScope
	if parent != nil {
		creation = parent.creations[l]
	}
	scope := analyzeScope(lowered, parent, creation)
	if len(scope.errors) > 0 {
		for _, err := range scope.errors {
			c.appendErr(err)
		}
		return idx
	}

	fc := &funcCompiler{
		c:       c,
		lambda:  lowered,
		scope:   scope,
		il:      vm.NewInstructionList(),
		labels:  make(map[*ast.LabelTarget]*labelInfo),
		retTemp: -1,
	}
	fc.compileBody()

	code, err := fc.il.ToArray()
	if err != nil {
		c.appendErr(fmt.Errorf("%s: %w", fn.Name, err))
		return idx
	}
	fn.Code = code
	fn.NumLocals = scope.numLocals
	fn.NumCells = scope.numCells
	fn.ParamCells = scope.paramCells()
	log.Debugf("compiled %s: %d instructions, %d locals, %d cells",
		fn.Name, len(code.Instrs), fn.NumLocals, fn.NumCells)
	return idx
}

func (fc *funcCompiler) errorf(kind error, format string, args ...any) {
	fc.c.errorf(kind, "%s: %s", fc.scope.lambda.Name, fmt.Sprintf(format, args...))
}

func (fc *funcCompiler) compileBody() {
	il := fc.il
	body := fc.lambda.Body
	// Jumps into a block skip its entry, so every scope holder starts out
	// with an arena.
	for _, bs := range fc.scope.scopes {
		fc.newScope(bs)
	}
	switch {
	case body == nil:
		il.Emit(vm.OpPushNil)
	case body.Type() == ast.Void:
		fc.discard(body)
		il.Emit(vm.OpPushNil)
	default:
		fc.expr(body)
	}
	il.Emit(vm.OpReturn)

	if fc.retLabel != nil {
		il.AdjustStack(-il.StackDepth())
		il.MarkLabel(fc.retLabel)
		il.Emit(vm.OpLoadLocal, int32(fc.retTemp))
		il.Emit(vm.OpReturn)
	}
}

// discard compiles n for its effects only.
func (fc *funcCompiler) discard(n ast.Node) {
	if a, ok := n.(*ast.Assign); ok {
		fc.expr(a.Value)
		fc.store(a.Target)
		return
	}
	fc.expr(n)
	if n.Type() != ast.Void {
		fc.il.Emit(vm.OpPOP)
	}
}

// expr compiles n, leaving its value on the stack unless n is void.
func (fc *funcCompiler) expr(n ast.Node) {
	il := fc.il
	switch n := n.(type) {
	case *ast.Constant:
		fc.constant(n)
	case *ast.Variable:
		fc.load(n)
	case *ast.Assign:
		fc.expr(n.Value)
		il.Emit(vm.OpDUP)
		fc.store(n.Target)
	case *ast.Unary:
		fc.expr(n.X)
		il.Emit(unaryOps[n.Op])
	case *ast.Binary:
		fc.binary(n)
	case *ast.HostCall:
		for _, a := range n.Args {
			fc.expr(a)
		}
		il.EmitCallHost(n.Name, len(n.Args))
		if n.T == ast.Void {
			il.Emit(vm.OpPOP)
		}
	case *ast.HostRef:
		il.EmitLoadHost(n.Name)
	case *ast.Invoke:
		fc.expr(n.Target)
		for _, a := range n.Args {
			fc.expr(a)
		}
		il.EmitCall(len(n.Args))
		if n.T == ast.Void {
			il.Emit(vm.OpPOP)
		}
	case *ast.Field:
		fc.expr(n.Object)
		il.EmitField(vm.OpLoadField, n.Name)
	case *ast.SetField:
		fc.expr(n.Object)
		fc.expr(n.Value)
		il.EmitField(vm.OpStoreField, n.Name)
	case *ast.Conditional:
		fc.conditional(n)
	case *ast.Block:
		fc.block(n)
	case *ast.Loop:
		fc.loop(n)
	case *ast.Try:
		fc.try(n)
	case *ast.Label:
		fc.label(n)
	case *ast.Goto:
		fc.jump(n)
	case *ast.Throw:
		fc.throw(n)
	case *ast.Switch:
		fc.switchOn(n)
	case *ast.SafePoint:
		il.Emit(vm.OpSafePoint)
	case *ast.Lambda:
		idx := fc.c.compileFunction(n, fc.scope)
		if bs := fc.scope.creations[n]; bs != nil {
			il.Emit(vm.OpLoadLocal, int32(bs.holder))
			il.Emit(vm.OpMakeClosureIn, int32(idx))
			break
		}
		il.Emit(vm.OpMakeClosure, int32(idx))
	case *ast.Yield:
		fc.errorf(ErrYieldOutsideGenerator, "yield")
	default:
		fc.errorf(ErrInvalidTree, "unexpected node %T", n)
	}
}

func (fc *funcCompiler) constant(n *ast.Constant) {
	if n.T == ast.Void {
		return
	}
	switch v := n.Value.(type) {
	case nil:
		fc.il.Emit(vm.OpPushNil)
	case bool:
		fc.il.EmitConst(vm.FromBool(v))
	case int64:
		fc.il.EmitConst(vm.FromInt(v))
	case int:
		fc.il.EmitConst(vm.FromInt(int64(v)))
	case float64:
		fc.il.EmitConst(vm.FromFloat64(v))
	case string:
		fc.il.EmitConst(vm.FromString(v))
	default:
		fc.errorf(ErrInvalidTree, "constant of type %T", n.Value)
		fc.il.Emit(vm.OpPushNil)
	}
}

func (fc *funcCompiler) load(v *ast.Variable) {
	st, depth, ok := fc.scope.lookup(v)
	if !ok {
		fc.errorf(ErrUndeclaredVariable, "%s", v.Name)
		fc.il.Emit(vm.OpPushNil)
		return
	}
	switch {
	case st.scope != nil && st.owner == fc.scope:
		fc.il.Emit(vm.OpLoadLocal, int32(st.scope.holder))
		fc.il.Emit(vm.OpLoadSlot, int32(st.index))
	case st.cell:
		fc.il.Emit(vm.OpLoadCell, int32(st.index), int32(depth))
	default:
		fc.il.Emit(vm.OpLoadLocal, int32(st.index))
	}
}

func (fc *funcCompiler) store(v *ast.Variable) {
	st, depth, ok := fc.scope.lookup(v)
	if !ok {
		fc.errorf(ErrUndeclaredVariable, "%s", v.Name)
		fc.il.Emit(vm.OpPOP)
		return
	}
	switch {
	case st.scope != nil && st.owner == fc.scope:
		fc.il.Emit(vm.OpLoadLocal, int32(st.scope.holder))
		fc.il.Emit(vm.OpStoreSlot, int32(st.index))
	case st.cell:
		fc.il.Emit(vm.OpStoreCell, int32(st.index), int32(depth))
	default:
		fc.il.Emit(vm.OpStoreLocal, int32(st.index))
	}
}

func (fc *funcCompiler) binary(n *ast.Binary) {
	il := fc.il
	switch n.Op {
	case ast.AndAlso, ast.OrElse:
		short, end := il.NewLabel(), il.NewLabel()
		fc.expr(n.X)
		if n.Op == ast.AndAlso {
			il.EmitBranch(vm.OpJumpFalse, short)
		} else {
			il.EmitBranch(vm.OpJumpTrue, short)
		}
		fc.expr(n.Y)
		il.EmitBranch(vm.OpJump, end)
		il.MarkLabel(short)
		if n.Op == ast.AndAlso {
			il.Emit(vm.OpPushFalse)
		} else {
			il.Emit(vm.OpPushTrue)
		}
		il.MarkLabel(end)
	default:
		op, ok := binaryOps[n.Op]
		if !ok {
			fc.errorf(ErrInvalidTree, "binary operator %s", n.Op)
			return
		}
		fc.expr(n.X)
		fc.expr(n.Y)
		il.Emit(op)
	}
}

func (fc *funcCompiler) conditional(n *ast.Conditional) {
	il := fc.il
	valued := n.T != ast.Void
	branch := func(b ast.Node) {
		if valued {
			fc.expr(b)
		} else {
			fc.discard(b)
		}
	}

	els, end := il.NewLabel(), il.NewLabel()
	fc.expr(n.Test)
	il.EmitBranch(vm.OpJumpFalse, els)
	branch(n.Then)
	il.EmitBranch(vm.OpJump, end)
	il.MarkLabel(els)
	switch {
	case n.Else != nil:
		branch(n.Else)
	case valued:
		fc.errorf(ErrInvalidTree, "%s conditional without else", n.T)
		il.Emit(vm.OpPushNil)
	}
	il.MarkLabel(end)
}

// block starts its variables out as nil on every entry. A block scope gets
// a fresh arena, so closures made in different entries do not share them.
func (fc *funcCompiler) block(n *ast.Block) {
	if bs := fc.scope.blocks[n]; bs != nil {
		fc.newScope(bs)
	}
	for _, v := range n.Vars {
		if st, _, _ := fc.scope.lookup(v); (st != nil && st.scope != nil) || fc.isParam(v) {
			continue
		}
		fc.il.Emit(vm.OpPushNil)
		fc.store(v)
	}
	last := len(n.Body) - 1
	for i, s := range n.Body {
		if i < last {
			fc.discard(s)
			continue
		}
		fc.expr(s)
	}
}

// newScope stores a new arena for bs, chained to its enclosing one, in the
// holder local.
func (fc *funcCompiler) newScope(bs *blockScope) {
	if bs.parent != nil {
		fc.il.Emit(vm.OpLoadLocal, int32(bs.parent.holder))
	} else {
		fc.il.Emit(vm.OpPushArena)
	}
	fc.il.Emit(vm.OpNewScope, int32(bs.size))
	fc.il.Emit(vm.OpStoreLocal, int32(bs.holder))
}

func (fc *funcCompiler) isParam(v *ast.Variable) bool {
	for _, p := range fc.lambda.Params {
		if p == v {
			return true
		}
	}
	return false
}

func (fc *funcCompiler) loop(n *ast.Loop) {
	il := fc.il
	var head, exit *labelInfo
	if n.Continue != nil {
		head = fc.labelFor(n.Continue)
	} else {
		head = &labelInfo{label: il.NewLabel(), temp: -1}
	}
	if n.Break != nil {
		exit = fc.labelFor(n.Break)
	} else {
		exit = &labelInfo{label: il.NewLabel(), temp: -1}
	}
	for _, li := range []*labelInfo{head, exit} {
		li.known, li.stack, li.cont = true, il.StackDepth(), il.ContDepth()
	}

	il.MarkLabel(head.label)
	idx := il.BeginLoop()
	fc.discard(n.Body)
	il.EmitBranch(vm.OpJump, head.label)
	il.EndLoop(idx)
	il.MarkLabel(exit.label)
}

func (fc *funcCompiler) labelFor(t *ast.LabelTarget) *labelInfo {
	if li, ok := fc.labels[t]; ok {
		return li
	}
	li := &labelInfo{label: fc.il.NewLabel(), temp: -1}
	if t.T != ast.Void {
		li.temp = fc.scope.allocLocal()
	}
	fc.labels[t] = li
	return li
}

func (fc *funcCompiler) label(n *ast.Label) {
	il := fc.il
	li := fc.labelFor(n.Target)
	if n.Default != nil {
		if li.temp >= 0 {
			fc.expr(n.Default)
			il.Emit(vm.OpStoreLocal, int32(li.temp))
		} else {
			fc.discard(n.Default)
		}
	}
	il.MarkLabel(li.label)
	li.known, li.stack, li.cont = true, il.StackDepth(), il.ContDepth()
	if li.temp >= 0 {
		il.Emit(vm.OpLoadLocal, int32(li.temp))
	}
}

func (fc *funcCompiler) jump(n *ast.Goto) {
	il := fc.il
	if fc.lambda.Return != nil && n.Target == fc.lambda.Return {
		fc.ret(n)
	} else {
		li := fc.labelFor(n.Target)
		if n.Value != nil {
			if li.temp >= 0 {
				fc.expr(n.Value)
				il.Emit(vm.OpStoreLocal, int32(li.temp))
			} else {
				fc.discard(n.Value)
			}
		}
		fc.pollInCatch()
		if li.known && li.stack == il.StackDepth() && li.cont == il.ContDepth() {
			il.EmitBranch(vm.OpJump, li.label)
		} else {
			il.EmitGoto(li.label)
		}
	}
	if n.T != ast.Void {
		il.AdjustStack(1)
	}
}

// ret compiles a jump to the function's return target.
func (fc *funcCompiler) ret(n *ast.Goto) {
	il := fc.il
	if n.Value != nil && n.Value.Type() != ast.Void {
		fc.expr(n.Value)
	} else {
		if n.Value != nil {
			fc.discard(n.Value)
		}
		il.Emit(vm.OpPushNil)
	}
	fc.pollInCatch()
	if fc.finallyDepth == 0 {
		il.Emit(vm.OpReturn)
		return
	}
	if fc.retLabel == nil {
		fc.retLabel = il.NewLabel()
		fc.retTemp = fc.scope.allocLocal()
	}
	il.Emit(vm.OpStoreLocal, int32(fc.retTemp))
	il.EmitGoto(fc.retLabel)
}

// pollInCatch emits a safe point before control leaves a catch body other
// than by falling off its end, which LEAVE_CATCH covers.
func (fc *funcCompiler) pollInCatch() {
	if fc.catchDepth > 0 {
		fc.il.Emit(vm.OpSafePoint)
	}
}

func (fc *funcCompiler) throw(n *ast.Throw) {
	il := fc.il
	if n.Value == nil {
		if len(fc.caught) == 0 {
			fc.errorf(ErrRethrowOutsideCatch, "rethrow")
			il.Emit(vm.OpPushNil)
		} else {
			slot := fc.caught[len(fc.caught)-1]
			if slot.v != nil {
				fc.load(slot.v)
			} else {
				il.Emit(vm.OpLoadLocal, int32(slot.local))
			}
		}
	} else {
		fc.expr(n.Value)
	}
	fc.pollInCatch()
	il.Emit(vm.OpThrow)
	if n.T != ast.Void {
		il.AdjustStack(1)
	}
}

func (fc *funcCompiler) switchOn(n *ast.Switch) {
	il := fc.il
	fc.expr(n.Value)

	end, def := il.NewLabel(), il.NewLabel()
	caseLabels := make([]*vm.Label, len(n.Cases))
	var values []int64
	var targets []*vm.Label
	for i, c := range n.Cases {
		caseLabels[i] = il.NewLabel()
		for _, v := range c.Values {
			values = append(values, v)
			targets = append(targets, caseLabels[i])
		}
	}
	il.EmitSwitch(values, targets, def)

	for i, c := range n.Cases {
		il.MarkLabel(caseLabels[i])
		fc.discard(c.Body)
		il.EmitBranch(vm.OpJump, end)
	}
	il.MarkLabel(def)
	if n.Default != nil {
		fc.discard(n.Default)
	}
	il.MarkLabel(end)
}

// ---------------------------------------------------------------------------
// Exception handling
// ---------------------------------------------------------------------------

// try compiles a protected region. A try/finally is entered with
// ENTER_TRY_FINALLY and left through a goto past the finally block, so
// normal completion runs the finally through the same continuation path
// as every other exit. A non-void try keeps its value in a local; a
// finally block of the same type replaces it.
func (fc *funcCompiler) try(t *ast.Try) {
	il := fc.il
	if t.Finally != nil && t.Fault != nil {
		fc.errorf(ErrFinallyAndFault, "try")
		return
	}

	stack, cont := il.StackDepth(), il.ContDepth()
	result := -1
	if t.T != ast.Void {
		result = fc.scope.allocLocal()
	}
	part := func(n ast.Node) {
		if result >= 0 && n.Type() != ast.Void {
			fc.expr(n)
			il.Emit(vm.OpStoreLocal, int32(result))
			return
		}
		fc.discard(n)
	}

	switch {
	case t.Finally != nil:
		handler, end := il.NewLabel(), il.NewLabel()
		il.EmitEnterTryFinally(handler)
		start := il.Len()
		fc.finallyDepth++
		fc.protected(t, part)
		il.EmitGoto(end)
		fc.finallyDepth--
		il.AddHandler(vm.HandlerFinally, start, il.Len(), handler, "", stack, cont+1, false)

		il.MarkLabel(handler)
		il.Emit(vm.OpEnterFinally)
		if result >= 0 && t.Finally.Type() == t.T {
			part(t.Finally)
		} else {
			fc.discard(t.Finally)
		}
		il.Emit(vm.OpLeaveFinally)
		il.MarkLabel(end)

	case t.Fault != nil:
		handler, end := il.NewLabel(), il.NewLabel()
		start := il.Len()
		fc.protected(t, part)
		il.EmitBranch(vm.OpJump, end)
		il.AddHandler(vm.HandlerFault, start, il.Len(), handler, "", stack, cont, false)

		il.MarkLabel(handler)
		fc.discard(t.Fault)
		il.Emit(vm.OpLeaveFault)
		il.MarkLabel(end)

	default:
		fc.protected(t, part)
	}

	if result >= 0 {
		il.Emit(vm.OpLoadLocal, int32(result))
	}
}

// protected compiles the body of t and its catch handlers.
func (fc *funcCompiler) protected(t *ast.Try, part func(ast.Node)) {
	il := fc.il
	if len(t.Handlers) == 0 {
		part(t.Body)
		return
	}

	stack, cont := il.StackDepth(), il.ContDepth()
	after := il.NewLabel()
	start := il.Len()
	part(t.Body)
	il.EmitBranch(vm.OpJump, after)
	end := il.Len()

	for _, h := range t.Handlers {
		entry := il.NewLabel()
		il.AddHandler(vm.HandlerCatch, start, end, entry, h.Filter, stack, cont, h.Capture)
		il.MarkLabel(entry)

		slot := exceptionSlot{v: h.Var, local: -1}
		if h.Var != nil {
			fc.store(h.Var)
		} else {
			slot.local = fc.scope.allocLocal()
			il.Emit(vm.OpStoreLocal, int32(slot.local))
		}
		fc.caught = append(fc.caught, slot)
		if !h.Capture {
			fc.catchDepth++
		}
		part(h.Body)
		if !h.Capture {
			fc.catchDepth--
		}
		fc.caught = fc.caught[:len(fc.caught)-1]

		if !h.Capture {
			il.Emit(vm.OpLeaveCatch)
		}
		il.EmitBranch(vm.OpJump, after)
	}
	il.MarkLabel(after)
}
