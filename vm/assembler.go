package vm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ---------------------------------------------------------------------------
// InstructionList: assembler for Code
// ---------------------------------------------------------------------------

// InstructionList assembles instructions while tracking the running and
// maximum operand-stack and continuation depths. Malformed sequences
// (negative depth, double binding) panic: they are bugs in the code
// generator, not in the program being compiled. Depth disagreements at
// labels are collected and reported by ToArray.
type InstructionList struct {
	instrs []Instruction

	consts     []Value
	constIndex map[constKey]int

	labels    []*Label
	handlers  []Handler
	switches  []SwitchTable
	loops     []*LoopInfo
	callSites []*CallSite

	stack, maxStack int
	cont, maxCont   int
	reachable       bool

	errs *multierror.Error
}

type constKey struct {
	kind Kind
	bits uint64
	str  string
}

// NewInstructionList creates an empty instruction list.
func NewInstructionList() *InstructionList {
	return &InstructionList{
		instrs:     make([]Instruction, 0, 64),
		constIndex: make(map[constKey]int),
		reachable:  true,
	}
}

// Len returns the index the next instruction will get.
func (il *InstructionList) Len() int { return len(il.instrs) }

// StackDepth returns the current static operand-stack depth.
func (il *InstructionList) StackDepth() int { return il.stack }

// ContDepth returns the current static continuation depth.
func (il *InstructionList) ContDepth() int { return il.cont }

// Reachable reports whether the next instruction can be reached by
// falling through.
func (il *InstructionList) Reachable() bool { return il.reachable }

// AdjustStack changes the static depth without emitting anything. Code
// generators use it after an unconditional transfer to keep the depth of
// the enclosing expression consistent.
func (il *InstructionList) AdjustStack(delta int) {
	il.setStack(il.stack + delta)
}

func (il *InstructionList) setStack(d int) {
	if d < 0 {
		panic(fmt.Sprintf("stack underflow at %d", len(il.instrs)))
	}
	il.stack = d
	if d > il.maxStack {
		il.maxStack = d
	}
}

func (il *InstructionList) setCont(d int) {
	if d < 0 {
		panic(fmt.Sprintf("continuation underflow at %d", len(il.instrs)))
	}
	il.cont = d
	if d > il.maxCont {
		il.maxCont = d
	}
}

func (il *InstructionList) fail(format string, args ...any) {
	il.errs = multierror.Append(il.errs, fmt.Errorf(format, args...))
}

// emit appends ins with an explicit stack effect.
func (il *InstructionList) emit(ins Instruction, pop, push int) int {
	info := ins.Op.Info()
	pc := len(il.instrs)
	if il.stack < pop {
		panic(fmt.Sprintf("stack underflow at %d: %s needs %d, have %d", pc, ins, pop, il.stack))
	}
	if il.cont < info.ContPop {
		panic(fmt.Sprintf("continuation underflow at %d: %s", pc, ins))
	}
	il.instrs = append(il.instrs, ins)
	il.setStack(il.stack - pop + push)
	il.setCont(il.cont - info.ContPop + info.ContPush)
	if ins.Op.Terminates() {
		il.reachable = false
	}
	return pc
}

// Emit appends an instruction whose stack effect is fixed by its opcode.
func (il *InstructionList) Emit(op Opcode, operands ...int32) int {
	info := op.Info()
	if info.Pop < 0 {
		panic(fmt.Sprintf("%s has an operand-dependent stack effect", op))
	}
	if info.Branch || op == OpGoto || op == OpSwitch || op == OpEnterTryFinally || op == OpLoopHeader {
		panic(fmt.Sprintf("%s must be emitted through its label helper", op))
	}
	ins := Instruction{Op: op}
	if len(operands) > 0 {
		ins.A = operands[0]
	}
	if len(operands) > 1 {
		ins.B = operands[1]
	}
	return il.emit(ins, info.Pop, info.Push)
}

// ---------------------------------------------------------------------------
// Constants and operand helpers
// ---------------------------------------------------------------------------

// AddConst interns v in the constant pool.
func (il *InstructionList) AddConst(v Value) int {
	if v.IsRef() {
		panic("references cannot be constants")
	}
	key := constKey{kind: v.kind, bits: v.bits, str: v.Str()}
	if i, ok := il.constIndex[key]; ok {
		return i
	}
	i := len(il.consts)
	il.consts = append(il.consts, v)
	il.constIndex[key] = i
	return i
}

// EmitConst pushes v, inline when it fits an operand.
func (il *InstructionList) EmitConst(v Value) {
	switch v.Kind() {
	case KindNil:
		il.Emit(OpPushNil)
	case KindBool:
		if v.Bool() {
			il.Emit(OpPushTrue)
		} else {
			il.Emit(OpPushFalse)
		}
	case KindInt:
		if n := v.Int(); fitsInt32(n) {
			il.Emit(OpPushInt, int32(n))
			return
		}
		il.Emit(OpPushConst, int32(il.AddConst(v)))
	default:
		il.Emit(OpPushConst, int32(il.AddConst(v)))
	}
}

// EmitField emits LOAD_FIELD or STORE_FIELD for name.
func (il *InstructionList) EmitField(op Opcode, name string) {
	il.Emit(op, int32(il.AddConst(FromString(name))))
}

func (il *InstructionList) addSite(name string, argc int) int32 {
	il.callSites = append(il.callSites, NewCallSite(name, argc))
	return int32(len(il.callSites) - 1)
}

// EmitCallHost calls the host function name with argc stack arguments.
func (il *InstructionList) EmitCallHost(name string, argc int) {
	il.emit(Instruction{Op: OpCallHost, A: il.addSite(name, argc)}, argc, 1)
}

// EmitLoadHost pushes the host function name as a value.
func (il *InstructionList) EmitLoadHost(name string) {
	il.emit(Instruction{Op: OpLoadHost, A: il.addSite(name, 0)}, 0, 1)
}

// EmitCall calls the function value below argc arguments.
func (il *InstructionList) EmitCall(argc int) {
	il.emit(Instruction{Op: OpCall, A: int32(argc), B: il.addSite("", argc)}, argc+1, 1)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a jump target. It starts unbound, collects referencing sites,
// and is bound exactly once by MarkLabel.
type Label struct {
	id    int
	bound bool
	index int

	// Expected depths, known once bound or once a non-goto site targets it.
	hasDepth bool
	stack    int
	cont     int

	refs  []int // branch instructions to patch when bound
	gotos []labelSite
	used  bool
}

type labelSite struct {
	pc    int
	stack int
	cont  int
}

// ID returns the label's index in the runtime label table.
func (l *Label) ID() int { return l.id }

// Bound reports whether MarkLabel has been called.
func (l *Label) Bound() bool { return l.bound }

// NewLabel creates an unbound label.
func (il *InstructionList) NewLabel() *Label {
	l := &Label{id: len(il.labels)}
	il.labels = append(il.labels, l)
	return l
}

// expect records a site that reaches l with the given depths.
func (il *InstructionList) expect(l *Label, stack, cont int) {
	l.used = true
	if !l.hasDepth {
		l.hasDepth, l.stack, l.cont = true, stack, cont
		return
	}
	if l.stack != stack || l.cont != cont {
		il.fail("label %d: site at %d has depth %d/%d, expected %d/%d",
			l.id, len(il.instrs), stack, cont, l.stack, l.cont)
	}
}

// MarkLabel binds l to the next instruction index and patches every
// branch recorded against it.
func (il *InstructionList) MarkLabel(l *Label) {
	if l.bound {
		panic("label already resolved")
	}
	if l.hasDepth {
		if il.reachable && (l.stack != il.stack || l.cont != il.cont) {
			il.fail("label %d at %d: fallthrough depth %d/%d, branches expect %d/%d",
				l.id, len(il.instrs), il.stack, il.cont, l.stack, l.cont)
		}
		il.stack, il.cont = l.stack, l.cont
	} else {
		l.hasDepth, l.stack, l.cont = true, il.stack, il.cont
	}
	il.reachable = true
	l.bound = true
	l.index = len(il.instrs)

	// Patch all forward references
	for _, ref := range l.refs {
		il.instrs[ref].A = int32(l.index - ref)
	}
	l.refs = nil
	for _, g := range l.gotos {
		il.checkGoto(l, g)
	}
	l.gotos = nil
}

func (il *InstructionList) checkGoto(l *Label, g labelSite) {
	if g.stack < l.stack {
		il.fail("goto at %d: stack depth %d below label %d depth %d", g.pc, g.stack, l.id, l.stack)
	}
	if g.cont < l.cont {
		il.fail("goto at %d: jumps into protected region of label %d", g.pc, l.id)
	}
}

// EmitBranch emits JUMP, JUMP_TRUE or JUMP_FALSE to l.
func (il *InstructionList) EmitBranch(op Opcode, l *Label) {
	if !op.Info().Branch {
		panic(fmt.Sprintf("%s is not a branch", op))
	}
	pc := il.emit(Instruction{Op: op}, op.Info().Pop, 0)
	il.expect(l, il.stack, il.cont)
	if l.bound {
		// Backward jump: calculate offset
		il.instrs[pc].A = int32(l.index - pc)
		return
	}
	// Forward jump: record position for later patching
	l.refs = append(l.refs, pc)
}

// EmitGoto emits a continuation-aware jump. The goto may leave values on
// the stack and may leave protected regions; the interpreter resets the
// depth and runs pending finally blocks on the way.
func (il *InstructionList) EmitGoto(l *Label) {
	site := labelSite{pc: len(il.instrs), stack: il.stack, cont: il.cont}
	il.emit(Instruction{Op: OpGoto, A: int32(l.id)}, 0, 0)
	l.used = true
	if l.bound {
		il.checkGoto(l, site)
		return
	}
	l.gotos = append(l.gotos, site)
}

// EmitSwitch pops an integer and jumps to the label paired with its value,
// or to def.
func (il *InstructionList) EmitSwitch(values []int64, targets []*Label, def *Label) {
	if len(values) != len(targets) {
		panic("switch values and targets differ in length")
	}
	t := SwitchTable{Default: def.id, Cases: make([]SwitchCase, len(values))}
	for i, v := range values {
		t.Cases[i] = SwitchCase{Value: v, Label: targets[i].id}
	}
	il.switches = append(il.switches, t)
	il.emit(Instruction{Op: OpSwitch, A: int32(len(il.switches) - 1)}, 1, 0)
	for _, l := range targets {
		il.expect(l, il.stack, il.cont)
	}
	il.expect(def, il.stack, il.cont)
}

// EmitEnterTryFinally opens a try/finally region whose finally block
// starts at l.
func (il *InstructionList) EmitEnterTryFinally(l *Label) {
	il.emit(Instruction{Op: OpEnterTryFinally, A: int32(l.id)}, 0, 0)
	il.expect(l, il.stack, il.cont)
}

// AddHandler registers a handler for [start, end). stack and cont are the
// depths at region entry; target is where the handler code starts.
func (il *InstructionList) AddHandler(kind HandlerKind, start, end int, target *Label, filter string, stack, cont int, capture bool) {
	if start > end {
		panic("handler range is inverted")
	}
	entry := stack
	if kind != HandlerFinally {
		entry++
	}
	il.expect(target, entry, cont)
	il.handlers = append(il.handlers, Handler{
		Kind:       kind,
		TryStart:   start,
		TryEnd:     end,
		Target:     target.id,
		Filter:     filter,
		StackDepth: stack,
		ContDepth:  cont,
		Capture:    capture,
	})
}

// BeginLoop emits the LOOP_HEADER of a new loop and returns its index.
func (il *InstructionList) BeginLoop() int {
	idx := len(il.loops)
	il.loops = append(il.loops, NewLoopInfo(len(il.instrs), -1))
	il.emit(Instruction{Op: OpLoopHeader, A: int32(idx)}, 0, 0)
	return idx
}

// EndLoop closes loop idx at the current position.
func (il *InstructionList) EndLoop(idx int) {
	il.loops[idx].End = len(il.instrs)
}

// ToArray resolves the list into an immutable Code. All label problems
// are reported at once.
func (il *InstructionList) ToArray() (*Code, error) {
	for _, l := range il.labels {
		if !l.bound && l.used {
			il.fail("label %d is referenced but never bound", l.id)
		}
	}
	for i, lp := range il.loops {
		if lp.End < 0 {
			il.fail("loop %d is never closed", i)
		}
	}
	if err := il.errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	code := &Code{
		Instrs:    il.instrs,
		Consts:    il.consts,
		Labels:    make([]RuntimeLabel, len(il.labels)),
		Handlers:  il.handlers,
		Switches:  il.switches,
		Loops:     il.loops,
		CallSites: il.callSites,
		MaxStack:  il.maxStack,
		MaxCont:   il.maxCont,
	}
	for i, l := range il.labels {
		if !l.bound {
			code.Labels[i] = RuntimeLabel{Index: -1}
			continue
		}
		code.Labels[i] = RuntimeLabel{Index: l.index, StackDepth: l.stack, ContDepth: l.cont}
	}
	return code, nil
}
