package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op        Opcode
		name      string
		pop, push int
	}{
		{OpNOP, "NOP", 0, 0},
		{OpDUP, "DUP", 1, 2},
		{OpPushConst, "PUSH_CONST", 0, 1},
		{OpStoreField, "STORE_FIELD", 2, 0},
		{OpAddChecked, "ADD_CHECKED", 2, 1},
		{OpJumpFalse, "JUMP_FALSE", 1, 0},
		{OpCall, "CALL", -1, 1},
		{OpEnterFinally, "ENTER_FINALLY", 0, 2},
		{OpLeaveFinally, "LEAVE_FINALLY", 2, 0},
	}
	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name || tt.op.String() != tt.name {
			t.Errorf("%#x name = %q, want %q", byte(tt.op), info.Name, tt.name)
		}
		if info.Pop != tt.pop || info.Push != tt.push {
			t.Errorf("%s effect = -%d +%d, want -%d +%d", tt.name, info.Pop, info.Push, tt.pop, tt.push)
		}
	}
	if got := Opcode(0xFF).Name(); got != "UNKNOWN_FF" {
		t.Errorf("unknown opcode name = %q", got)
	}
}

func TestOpcodeNamesAreUnique(t *testing.T) {
	seen := map[string]Opcode{}
	for op, info := range opcodeTable {
		if prev, dup := seen[info.Name]; dup {
			t.Errorf("%s used by %#x and %#x", info.Name, byte(prev), byte(op))
		}
		seen[info.Name] = op
	}
}

func TestTerminators(t *testing.T) {
	for _, op := range []Opcode{OpJump, OpGoto, OpSwitch, OpReturn, OpThrow, OpLeaveFinally, OpLeaveFault} {
		if !op.Terminates() {
			t.Errorf("%s does not terminate", op)
		}
	}
	for _, op := range []Opcode{OpJumpTrue, OpJumpFalse, OpLeaveCatch, OpCall, OpEnterFinally} {
		if op.Terminates() {
			t.Errorf("%s terminates", op)
		}
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		ins  Instruction
		want string
	}{
		{Instruction{Op: OpAdd}, "ADD"},
		{Instruction{Op: OpPushInt, A: -4}, "PUSH_INT -4"},
		{Instruction{Op: OpLoadCell, A: 2, B: 1}, "LOAD_CELL 2 ^1"},
		{Instruction{Op: OpJump, A: 3}, "JUMP +3"},
		{Instruction{Op: OpJumpTrue, A: -5}, "JUMP_TRUE -5"},
	}
	for _, tt := range tests {
		if got := tt.ins.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	il := NewInstructionList()
	h, out, done := il.NewLabel(), il.NewLabel(), il.NewLabel()
	start := il.Len()
	il.EmitConst(FromString("x"))
	il.EmitField(OpLoadField, "Name")
	il.EmitCallHost("print", 1)
	il.Emit(OpPOP)
	il.EmitGoto(out)
	il.AddHandler(HandlerCatch, start, il.Len(), h, ExcMissingField, 0, 0, false)
	il.MarkLabel(h)
	il.Emit(OpPOP)
	il.MarkLabel(out)
	il.Emit(OpPushInt, 1)
	il.EmitSwitch([]int64{1}, []*Label{done}, done)
	il.MarkLabel(done)
	il.EmitConst(Nil)
	il.Emit(OpReturn)
	code, err := il.ToArray()
	if err != nil {
		t.Fatal(err)
	}

	got := Disassemble(code)
	for _, want := range []string{
		`0000  PUSH_CONST 0 ("x")`,
		"0001  LOAD_FIELD 1 (.Name)",
		"0002  CALL_HOST 0 (print/1)",
		"0004  GOTO L1 (-> 0006 stack=0 cont=0)",
		"0007  SWITCH 0 [1:0008 default:0008]",
		"catch [0000, 0005) -> 0005 stack=0 cont=0 filter=MissingField",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, got)
		}
	}
	if lines := strings.Count(got, "\n") + 1; lines != len(code.Instrs)+1 {
		t.Errorf("disassembly has %d lines, want %d", lines, len(code.Instrs)+1)
	}
}

func TestDisassembleJumpTargets(t *testing.T) {
	il := NewInstructionList()
	head := il.NewLabel()
	il.MarkLabel(head)
	loop := il.BeginLoop()
	il.EmitBranch(OpJump, head)
	il.EndLoop(loop)
	code, err := il.ToArray()
	if err != nil {
		t.Fatal(err)
	}
	got := Disassemble(code)
	for _, want := range []string{"0000  LOOP_HEADER 0", "0001  JUMP -1 (-> 0000)", "loop 0 [0000, 0002)"} {
		if !strings.Contains(got, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, got)
		}
	}
}
