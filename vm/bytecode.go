package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies the operation of an Instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil   Opcode = 0x10 // push nil
	OpPushTrue  Opcode = 0x11 // push true
	OpPushFalse Opcode = 0x12 // push false
	OpPushInt   Opcode = 0x13 // push A as an integer
	OpPushConst Opcode = 0x14 // push constant A
)

// Variable Operations
const (
	OpLoadLocal  Opcode = 0x20 // push local A
	OpStoreLocal Opcode = 0x21 // pop into local A
	OpLoadCell   Opcode = 0x22 // push arena slot A, B levels up
	OpStoreCell  Opcode = 0x23 // pop into arena slot A, B levels up
	OpLoadHost   Opcode = 0x24 // push the host function of call site A
	OpLoadField  Opcode = 0x25 // replace object with its field named by constant A
	OpStoreField Opcode = 0x26 // pop value and object, store field named by constant A
	OpPushArena  Opcode = 0x27 // push the current arena
	OpNewScope   Opcode = 0x28 // replace arena with a new A-slot arena nested in it
	OpLoadSlot   Opcode = 0x29 // replace arena with its slot A
	OpStoreSlot  Opcode = 0x2A // pop arena and value, store value in slot A
)

// Arithmetic and comparison
const (
	OpAdd        Opcode = 0x30
	OpSub        Opcode = 0x31
	OpMul        Opcode = 0x32
	OpDiv        Opcode = 0x33
	OpMod        Opcode = 0x34
	OpAddChecked Opcode = 0x35 // add, raising Overflow
	OpSubChecked Opcode = 0x36
	OpMulChecked Opcode = 0x37
	OpNeg        Opcode = 0x38
	OpNot        Opcode = 0x39
	OpIsNil      Opcode = 0x3A
	OpEQ         Opcode = 0x40
	OpNE         Opcode = 0x41
	OpLT         Opcode = 0x42
	OpLE         Opcode = 0x43
	OpGT         Opcode = 0x44
	OpGE         Opcode = 0x45
)

// Control flow
const (
	OpJump       Opcode = 0x50 // ip += A
	OpJumpTrue   Opcode = 0x51 // pop; if truthy ip += A
	OpJumpFalse  Opcode = 0x52 // pop; if falsy ip += A
	OpSwitch     Opcode = 0x53 // pop int; jump through switch table A
	OpGoto       Opcode = 0x54 // continuation-aware jump to runtime label A
	OpLoopHeader Opcode = 0x55 // loop A starts here; counts iterations for tiering
	OpSafePoint  Opcode = 0x56 // cancellation check
)

// Calls
const (
	OpCallHost      Opcode = 0x60 // call host function of call site A
	OpCall          Opcode = 0x61 // call function value with A arguments
	OpMakeClosure   Opcode = 0x62 // push a closure over function A
	OpReturn        Opcode = 0x63 // return top of stack
	OpMakeClosureIn Opcode = 0x64 // replace arena with a closure over function A in it
)

// Exceptions and continuations
const (
	OpThrow           Opcode = 0x70 // pop and raise
	OpEnterTryFinally Opcode = 0x71 // push continuation: finally at runtime label A
	OpEnterFinally    Opcode = 0x72 // pop continuation; push pending label and exception
	OpLeaveFinally    Opcode = 0x73 // pop pending state; resume it or rethrow
	OpLeaveFault      Opcode = 0x74 // pop exception and rethrow it
	OpLeaveCatch      Opcode = 0x75 // end of a catch body; safe point
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Pop      int // operand-stack slots consumed (-1: depends on operand)
	Push     int // operand-stack slots produced
	ContPop  int // continuation-stack entries consumed
	ContPush int // continuation-stack entries produced
	Branch   bool
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNOP: {Name: "NOP"},
	OpPOP: {Name: "POP", Pop: 1},
	OpDUP: {Name: "DUP", Pop: 1, Push: 2},

	// Push constants
	OpPushNil:   {Name: "PUSH_NIL", Push: 1},
	OpPushTrue:  {Name: "PUSH_TRUE", Push: 1},
	OpPushFalse: {Name: "PUSH_FALSE", Push: 1},
	OpPushInt:   {Name: "PUSH_INT", Push: 1},
	OpPushConst: {Name: "PUSH_CONST", Push: 1},

	// Variables
	OpLoadLocal:  {Name: "LOAD_LOCAL", Push: 1},
	OpStoreLocal: {Name: "STORE_LOCAL", Pop: 1},
	OpLoadCell:   {Name: "LOAD_CELL", Push: 1},
	OpStoreCell:  {Name: "STORE_CELL", Pop: 1},
	OpLoadHost:   {Name: "LOAD_HOST", Push: 1},
	OpLoadField:  {Name: "LOAD_FIELD", Pop: 1, Push: 1},
	OpStoreField: {Name: "STORE_FIELD", Pop: 2},
	OpPushArena:  {Name: "PUSH_ARENA", Push: 1},
	OpNewScope:   {Name: "NEW_SCOPE", Pop: 1, Push: 1},
	OpLoadSlot:   {Name: "LOAD_SLOT", Pop: 1, Push: 1},
	OpStoreSlot:  {Name: "STORE_SLOT", Pop: 2},

	// Arithmetic
	OpAdd:        {Name: "ADD", Pop: 2, Push: 1},
	OpSub:        {Name: "SUB", Pop: 2, Push: 1},
	OpMul:        {Name: "MUL", Pop: 2, Push: 1},
	OpDiv:        {Name: "DIV", Pop: 2, Push: 1},
	OpMod:        {Name: "MOD", Pop: 2, Push: 1},
	OpAddChecked: {Name: "ADD_CHECKED", Pop: 2, Push: 1},
	OpSubChecked: {Name: "SUB_CHECKED", Pop: 2, Push: 1},
	OpMulChecked: {Name: "MUL_CHECKED", Pop: 2, Push: 1},
	OpNeg:        {Name: "NEG", Pop: 1, Push: 1},
	OpNot:        {Name: "NOT", Pop: 1, Push: 1},
	OpIsNil:      {Name: "IS_NIL", Pop: 1, Push: 1},
	OpEQ:         {Name: "EQ", Pop: 2, Push: 1},
	OpNE:         {Name: "NE", Pop: 2, Push: 1},
	OpLT:         {Name: "LT", Pop: 2, Push: 1},
	OpLE:         {Name: "LE", Pop: 2, Push: 1},
	OpGT:         {Name: "GT", Pop: 2, Push: 1},
	OpGE:         {Name: "GE", Pop: 2, Push: 1},

	// Control flow
	OpJump:       {Name: "JUMP", Branch: true},
	OpJumpTrue:   {Name: "JUMP_TRUE", Pop: 1, Branch: true},
	OpJumpFalse:  {Name: "JUMP_FALSE", Pop: 1, Branch: true},
	OpSwitch:     {Name: "SWITCH", Pop: 1},
	OpGoto:       {Name: "GOTO"},
	OpLoopHeader: {Name: "LOOP_HEADER"},
	OpSafePoint:  {Name: "SAFEPOINT"},

	// Calls
	OpCallHost:    {Name: "CALL_HOST", Pop: -1, Push: 1},
	OpCall:        {Name: "CALL", Pop: -1, Push: 1},
	OpMakeClosure: {Name: "MAKE_CLOSURE", Push: 1},
	OpReturn:      {Name: "RETURN", Pop: 1},

	OpMakeClosureIn: {Name: "MAKE_CLOSURE_IN", Pop: 1, Push: 1},

	// Exceptions and continuations
	OpThrow:           {Name: "THROW", Pop: 1},
	OpEnterTryFinally: {Name: "ENTER_TRY_FINALLY", ContPush: 1},
	OpEnterFinally:    {Name: "ENTER_FINALLY", Push: 2, ContPop: 1},
	OpLeaveFinally:    {Name: "LEAVE_FINALLY", Pop: 2},
	OpLeaveFault:      {Name: "LEAVE_FAULT", Pop: 1},
	OpLeaveCatch:      {Name: "LEAVE_CATCH"},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Terminates reports whether control never falls through op.
func (op Opcode) Terminates() bool {
	switch op {
	case OpJump, OpGoto, OpSwitch, OpReturn, OpThrow, OpLeaveFinally, OpLeaveFault:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded operation with up to two operands.
type Instruction struct {
	Op Opcode
	A  int32
	B  int32
}

func (ins Instruction) String() string {
	switch ins.Op {
	case OpLoadCell, OpStoreCell:
		return fmt.Sprintf("%s %d ^%d", ins.Op, ins.A, ins.B)
	case OpPushInt, OpPushConst, OpLoadLocal, OpStoreLocal, OpLoadHost, OpLoadField, OpStoreField,
		OpNewScope, OpLoadSlot, OpStoreSlot,
		OpSwitch, OpGoto, OpLoopHeader, OpCallHost, OpCall, OpMakeClosure, OpMakeClosureIn, OpEnterTryFinally:
		return fmt.Sprintf("%s %d", ins.Op, ins.A)
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%s %+d", ins.Op, ins.A)
	}
	return ins.Op.Name()
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at index pc of code.
func DisassembleInstruction(code *Code, pc int) string {
	ins := code.Instrs[pc]
	switch ins.Op {
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d  %s %+d (-> %04d)", pc, ins.Op, ins.A, pc+int(ins.A))
	case OpPushConst:
		return fmt.Sprintf("%04d  %s %d (%s)", pc, ins.Op, ins.A, code.Consts[ins.A])
	case OpLoadField, OpStoreField:
		return fmt.Sprintf("%04d  %s %d (.%s)", pc, ins.Op, ins.A, code.Consts[ins.A].Str())
	case OpGoto, OpEnterTryFinally:
		l := code.Labels[ins.A]
		return fmt.Sprintf("%04d  %s L%d (-> %04d stack=%d cont=%d)", pc, ins.Op, ins.A, l.Index, l.StackDepth, l.ContDepth)
	case OpCallHost, OpLoadHost:
		site := code.CallSites[ins.A]
		return fmt.Sprintf("%04d  %s %d (%s/%d)", pc, ins.Op, ins.A, site.Name, site.Argc)
	case OpSwitch:
		t := code.Switches[ins.A]
		parts := make([]string, 0, len(t.Cases)+1)
		for _, c := range t.Cases {
			parts = append(parts, fmt.Sprintf("%d:%04d", c.Value, code.Labels[c.Label].Index))
		}
		parts = append(parts, fmt.Sprintf("default:%04d", code.Labels[t.Default].Index))
		return fmt.Sprintf("%04d  %s %d [%s]", pc, ins.Op, ins.A, strings.Join(parts, " "))
	}
	return fmt.Sprintf("%04d  %s", pc, ins)
}

// Disassemble returns a full disassembly of code, followed by its handler
// and loop tables.
func Disassemble(code *Code) string {
	var b strings.Builder
	for pc := range code.Instrs {
		if pc > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(DisassembleInstruction(code, pc))
	}
	for _, h := range code.Handlers {
		fmt.Fprintf(&b, "\n  %s [%04d, %04d) -> %04d stack=%d cont=%d", h.Kind, h.TryStart, h.TryEnd,
			code.Labels[h.Target].Index, h.StackDepth, h.ContDepth)
		if h.Filter != "" {
			fmt.Fprintf(&b, " filter=%s", h.Filter)
		}
	}
	for i, l := range code.Loops {
		fmt.Fprintf(&b, "\n  loop %d [%04d, %04d)", i, l.Start, l.End)
	}
	return b.String()
}
