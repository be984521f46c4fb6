package store

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/chazu/tern/vm"
)

// ErrBadImage is wrapped by every image validation failure.
var ErrBadImage = errors.New("store: invalid program image")

// maxScopeSlots bounds the arena a single NEW_SCOPE may allocate.
const maxScopeSlots = 1 << 16

// cborEncMode is canonical so equal programs encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalProgram serializes a program to CBOR bytes.
func MarshalProgram(p *vm.Program) ([]byte, error) {
	img, err := NewImage(p)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(img)
}

// UnmarshalProgram deserializes and validates a program image, linking
// it against rt.
func UnmarshalProgram(rt *vm.Runtime, data []byte) (*vm.Program, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("store: unmarshal program: %w", err)
	}
	return img.Program(rt)
}

// NewImage captures p as an Image.
func NewImage(p *vm.Program) (*Image, error) {
	img := &Image{Version: ImageVersion, ID: p.ID, Name: p.Name}
	for _, fn := range p.Functions {
		code, err := codeImage(fn.Code)
		if err != nil {
			return nil, fmt.Errorf("store: function %s: %w", fn.Name, err)
		}
		img.Functions = append(img.Functions, FunctionImage{
			Name:       fn.Name,
			Shape:      uint8(fn.Shape),
			NumParams:  fn.NumParams,
			NumLocals:  fn.NumLocals,
			NumCells:   fn.NumCells,
			ParamCells: fn.ParamCells,
			Code:       code,
		})
	}
	return img, nil
}

func codeImage(c *vm.Code) (CodeImage, error) {
	img := CodeImage{MaxStack: c.MaxStack, MaxCont: c.MaxCont}
	for _, ins := range c.Instrs {
		img.Instrs = append(img.Instrs, InstrImage{Op: uint8(ins.Op), A: ins.A, B: ins.B})
	}
	for i, v := range c.Consts {
		ci, err := constImage(v)
		if err != nil {
			return CodeImage{}, fmt.Errorf("constant %d: %w", i, err)
		}
		img.Consts = append(img.Consts, ci)
	}
	for _, l := range c.Labels {
		img.Labels = append(img.Labels, LabelImage{Index: l.Index, Stack: l.StackDepth, Cont: l.ContDepth})
	}
	for _, h := range c.Handlers {
		img.Handlers = append(img.Handlers, HandlerImage{
			Kind:    uint8(h.Kind),
			Start:   h.TryStart,
			End:     h.TryEnd,
			Target:  h.Target,
			Filter:  h.Filter,
			Stack:   h.StackDepth,
			Cont:    h.ContDepth,
			Capture: h.Capture,
		})
	}
	for _, t := range c.Switches {
		s := SwitchImage{Default: t.Default}
		for _, sc := range t.Cases {
			s.Values = append(s.Values, sc.Value)
			s.Labels = append(s.Labels, sc.Label)
		}
		img.Switches = append(img.Switches, s)
	}
	for _, l := range c.Loops {
		img.Loops = append(img.Loops, LoopImage{Start: l.Start, End: l.End})
	}
	for _, s := range c.CallSites {
		img.CallSites = append(img.CallSites, SiteImage{Name: s.Name, Argc: s.Argc})
	}
	return img, nil
}

func constImage(v vm.Value) (ConstImage, error) {
	switch v.Kind() {
	case vm.KindNil:
		return ConstImage{Kind: uint8(vm.KindNil)}, nil
	case vm.KindBool:
		var bits uint64
		if v.Bool() {
			bits = 1
		}
		return ConstImage{Kind: uint8(vm.KindBool), Bits: bits}, nil
	case vm.KindInt:
		return ConstImage{Kind: uint8(vm.KindInt), Bits: uint64(v.Int())}, nil
	case vm.KindFloat:
		return ConstImage{Kind: uint8(vm.KindFloat), Bits: math.Float64bits(v.Float64())}, nil
	case vm.KindString:
		return ConstImage{Kind: uint8(vm.KindString), Str: v.Str()}, nil
	}
	return ConstImage{}, fmt.Errorf("%s constants cannot be stored", v.Kind())
}

func (c ConstImage) value() (vm.Value, error) {
	switch vm.Kind(c.Kind) {
	case vm.KindNil:
		return vm.Nil, nil
	case vm.KindBool:
		return vm.FromBool(c.Bits != 0), nil
	case vm.KindInt:
		return vm.FromInt(int64(c.Bits)), nil
	case vm.KindFloat:
		return vm.FromFloat64(math.Float64frombits(c.Bits)), nil
	case vm.KindString:
		return vm.FromString(c.Str), nil
	}
	return vm.Nil, fmt.Errorf("unknown constant kind %d", c.Kind)
}

// Program validates the image and links it against rt. Every problem
// found is reported.
func (img *Image) Program(rt *vm.Runtime) (*vm.Program, error) {
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadImage, img.Version, ImageVersion)
	}
	if len(img.Functions) == 0 {
		return nil, fmt.Errorf("%w: no functions", ErrBadImage)
	}

	var errs *multierror.Error
	fns := make([]*vm.Function, len(img.Functions))
	for i := range img.Functions {
		fi := &img.Functions[i]
		code, err := fi.Code.code()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("function %d (%s): %w", i, fi.Name, err))
			continue
		}
		fns[i] = &vm.Function{
			Name:       fi.Name,
			Shape:      vm.FunctionShape(fi.Shape),
			NumParams:  fi.NumParams,
			NumLocals:  fi.NumLocals,
			NumCells:   fi.NumCells,
			ParamCells: fi.ParamCells,
			Code:       code,
		}
		for _, err := range validateFunction(fi, len(img.Functions)) {
			errs = multierror.Append(errs, fmt.Errorf("function %d (%s): %w", i, fi.Name, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	return vm.RestoreProgram(rt, uuid.UUID(img.ID), img.Name, fns), nil
}

func (ci *CodeImage) code() (*vm.Code, error) {
	c := &vm.Code{
		Instrs:   make([]vm.Instruction, len(ci.Instrs)),
		Consts:   make([]vm.Value, len(ci.Consts)),
		Labels:   make([]vm.RuntimeLabel, len(ci.Labels)),
		MaxStack: ci.MaxStack,
		MaxCont:  ci.MaxCont,
	}
	for i, ins := range ci.Instrs {
		c.Instrs[i] = vm.Instruction{Op: vm.Opcode(ins.Op), A: ins.A, B: ins.B}
	}
	for i, k := range ci.Consts {
		v, err := k.value()
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		c.Consts[i] = v
	}
	for i, l := range ci.Labels {
		c.Labels[i] = vm.RuntimeLabel{Index: l.Index, StackDepth: l.Stack, ContDepth: l.Cont}
	}
	for _, h := range ci.Handlers {
		c.Handlers = append(c.Handlers, vm.Handler{
			Kind:       vm.HandlerKind(h.Kind),
			TryStart:   h.Start,
			TryEnd:     h.End,
			Target:     h.Target,
			Filter:     h.Filter,
			StackDepth: h.Stack,
			ContDepth:  h.Cont,
			Capture:    h.Capture,
		})
	}
	for i, s := range ci.Switches {
		if len(s.Values) != len(s.Labels) {
			return nil, fmt.Errorf("switch %d: %d values for %d labels", i, len(s.Values), len(s.Labels))
		}
		t := vm.SwitchTable{Default: s.Default}
		for j := range s.Values {
			t.Cases = append(t.Cases, vm.SwitchCase{Value: s.Values[j], Label: s.Labels[j]})
		}
		c.Switches = append(c.Switches, t)
	}
	for _, l := range ci.Loops {
		c.Loops = append(c.Loops, vm.NewLoopInfo(l.Start, l.End))
	}
	for _, s := range ci.CallSites {
		c.CallSites = append(c.CallSites, vm.NewCallSite(s.Name, s.Argc))
	}
	return c, nil
}

// validateFunction checks every operand against the tables it indexes,
// then re-derives the stack and continuation depths the code runs at, so
// a corrupt image fails here instead of panicking the interpreter.
func validateFunction(fi *FunctionImage, numFuncs int) []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	ci := &fi.Code
	n := len(ci.Instrs)
	label := func(where string, id int) {
		if id < 0 || id >= len(ci.Labels) || ci.Labels[id].Index < 0 || ci.Labels[id].Index >= n {
			bad("%s: label %d is not bound", where, id)
		}
	}

	if shape := vm.FunctionShape(fi.Shape); shape > vm.ShapeIterable {
		bad("unknown shape %d", fi.Shape)
	}
	if fi.NumParams < 0 || fi.NumLocals < fi.NumParams || ci.MaxStack < 0 {
		bad("frame layout %d params, %d locals, stack %d", fi.NumParams, fi.NumLocals, ci.MaxStack)
	}
	if len(fi.ParamCells) != 0 && len(fi.ParamCells) != fi.NumParams {
		bad("%d parameter cells for %d parameters", len(fi.ParamCells), fi.NumParams)
	}
	for p, slot := range fi.ParamCells {
		if slot >= fi.NumCells {
			bad("parameter %d lives in cell %d of %d", p, slot, fi.NumCells)
		}
	}
	if n == 0 {
		bad("empty code")
	}

	for pc, ins := range ci.Instrs {
		op := vm.Opcode(ins.Op)
		if !op.Valid() {
			bad("%04d: unknown opcode %#02x", pc, ins.Op)
			continue
		}
		a := int(ins.A)
		switch op {
		case vm.OpPushConst:
			if a < 0 || a >= len(ci.Consts) {
				bad("%04d: constant %d out of range", pc, a)
			}
		case vm.OpLoadField, vm.OpStoreField:
			if a < 0 || a >= len(ci.Consts) || vm.Kind(ci.Consts[a].Kind) != vm.KindString {
				bad("%04d: field name constant %d is not a string", pc, a)
			}
		case vm.OpLoadLocal, vm.OpStoreLocal:
			if a < 0 || a >= fi.NumLocals {
				bad("%04d: local %d out of range", pc, a)
			}
		case vm.OpLoadCell, vm.OpStoreCell:
			if a < 0 || ins.B < 0 {
				bad("%04d: cell %d^%d is negative", pc, a, ins.B)
			}
		case vm.OpLoadHost, vm.OpCallHost:
			if a < 0 || a >= len(ci.CallSites) {
				bad("%04d: call site %d out of range", pc, a)
			}
		case vm.OpCall:
			if a < 0 || ins.B < 0 || int(ins.B) >= len(ci.CallSites) || ci.CallSites[ins.B].Argc != a {
				bad("%04d: call with %d arguments at site %d", pc, a, ins.B)
			}
		case vm.OpNewScope:
			if a < 0 || a > maxScopeSlots {
				bad("%04d: scope of %d slots", pc, a)
			}
		case vm.OpLoadSlot, vm.OpStoreSlot:
			if a < 0 {
				bad("%04d: slot %d is negative", pc, a)
			}
		case vm.OpMakeClosure, vm.OpMakeClosureIn:
			if a < 0 || a >= numFuncs {
				bad("%04d: function %d out of range", pc, a)
			}
		case vm.OpJump, vm.OpJumpTrue, vm.OpJumpFalse:
			if t := pc + a; t < 0 || t >= n {
				bad("%04d: jump target %d out of range", pc, t)
			}
		case vm.OpSwitch:
			if a < 0 || a >= len(ci.Switches) {
				bad("%04d: switch table %d out of range", pc, a)
				break
			}
			s := ci.Switches[a]
			for _, l := range s.Labels {
				label(fmt.Sprintf("%04d", pc), l)
			}
			label(fmt.Sprintf("%04d", pc), s.Default)
		case vm.OpGoto, vm.OpEnterTryFinally:
			label(fmt.Sprintf("%04d", pc), a)
		case vm.OpLoopHeader:
			if a < 0 || a >= len(ci.Loops) {
				bad("%04d: loop %d out of range", pc, a)
			}
		}
	}

	for i, l := range ci.Labels {
		if l.Stack < 0 || l.Cont < 0 {
			bad("label %d: negative depth %d/%d", i, l.Stack, l.Cont)
		}
	}
	for i, h := range ci.Handlers {
		if vm.HandlerKind(h.Kind) > vm.HandlerFault || h.Start < 0 || h.Start > h.End || h.End > n || h.Stack < 0 || h.Cont < 0 {
			bad("handler %d: region [%d, %d) of kind %d is invalid", i, h.Start, h.End, h.Kind)
		}
		label(fmt.Sprintf("handler %d", i), h.Target)
	}
	for i, l := range ci.Loops {
		if l.Start < 0 || l.Start >= l.End || l.End > n || vm.Opcode(ci.Instrs[l.Start].Op) != vm.OpLoopHeader {
			bad("loop %d: range [%d, %d) does not start at a loop header", i, l.Start, l.End)
		}
	}
	for i, s := range ci.CallSites {
		if s.Argc < 0 {
			bad("call site %d: %d arguments", i, s.Argc)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return checkDepths(ci)
}

// depthState is the operand stack depth before an instruction runs, with
// the finally labels of the open try/finally regions, innermost last.
type depthState struct {
	stack int
	conts []int
}

func (s depthState) equal(o depthState) bool {
	return s.stack == o.stack && slices.Equal(s.conts, o.conts)
}

// checkDepths walks every reachable instruction of ci from the entry and
// the handlers, the way the interpreter moves the stack and continuation
// depths. Labels must record the depths they are reached at, every path
// to an instruction must agree, and no path may exceed the frame limits.
// Operands must already be valid.
func checkDepths(ci *CodeImage) []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	n := len(ci.Instrs)
	states := make([]*depthState, n)
	var work []int
	maxStack, maxCont := 0, 0

	reach := func(from string, pc int, s depthState) {
		if pc >= n {
			bad("%s: runs off the end of the code", from)
			return
		}
		if prev := states[pc]; prev != nil {
			if !prev.equal(s) {
				bad("%04d: reached from %s at depth %d/%d, elsewhere at %d/%d",
					pc, from, s.stack, len(s.conts), prev.stack, len(prev.conts))
			}
			return
		}
		states[pc] = &s
		work = append(work, pc)
	}
	matches := func(from string, id int, s depthState) bool {
		l := ci.Labels[id]
		if l.Stack != s.stack || l.Cont != len(s.conts) {
			bad("%s: label %d records depth %d/%d, reached at %d/%d", from, id, l.Stack, l.Cont, s.stack, len(s.conts))
			return false
		}
		return true
	}
	toLabel := func(from string, id int, s depthState) {
		if matches(from, id, s) {
			reach(from, ci.Labels[id].Index, s)
		}
	}
	// A goto out of try/finally regions runs each finally in turn, each
	// one resetting the stack to its own depth, then resets it to the
	// target's.
	jump := func(from string, id int, s depthState) {
		l := ci.Labels[id]
		if l.Cont > len(s.conts) {
			bad("%s: goto enters the protected region of label %d", from, id)
			return
		}
		stack := s.stack
		for i := len(s.conts) - 1; i >= l.Cont; i-- {
			fin := s.conts[i]
			if ci.Labels[fin].Stack > stack {
				bad("%s: finally label %d at stack %d, above %d", from, fin, ci.Labels[fin].Stack, stack)
				return
			}
			stack = ci.Labels[fin].Stack
			toLabel(from, fin, depthState{stack: stack, conts: s.conts[:i+1]})
		}
		if l.Stack > stack {
			bad("%s: goto label %d at stack %d, above %d", from, id, l.Stack, stack)
			return
		}
		toLabel(from, id, depthState{stack: l.Stack, conts: s.conts[:l.Cont]})
	}

	reach("entry", 0, depthState{})
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		s := *states[pc]
		at := fmt.Sprintf("%04d", pc)

		for i, h := range ci.Handlers {
			if pc < h.Start || pc >= h.End {
				continue
			}
			if s.stack < h.Stack || len(s.conts) < h.Cont {
				bad("%s: depth %d/%d below handler %d entry %d/%d", at, s.stack, len(s.conts), i, h.Stack, h.Cont)
				continue
			}
			hs := depthState{stack: h.Stack, conts: s.conts[:h.Cont]}
			if vm.HandlerKind(h.Kind) != vm.HandlerFinally {
				hs.stack++
			}
			toLabel(fmt.Sprintf("handler %d", i), h.Target, hs)
		}

		ins := ci.Instrs[pc]
		op := vm.Opcode(ins.Op)
		info := op.Info()
		pop := info.Pop
		switch op {
		case vm.OpCallHost:
			pop = ci.CallSites[ins.A].Argc
		case vm.OpCall:
			pop = int(ins.A) + 1
		}
		if s.stack < pop {
			bad("%s: %s pops %d at stack depth %d", at, op, pop, s.stack)
			continue
		}
		if len(s.conts) < info.ContPop {
			bad("%s: %s at continuation depth 0", at, op)
			continue
		}
		next := depthState{stack: s.stack - pop + info.Push, conts: s.conts[:len(s.conts)-info.ContPop]}
		if op == vm.OpEnterTryFinally {
			next.conts = append(slices.Clip(next.conts), int(ins.A))
			matches(at, int(ins.A), next)
		}
		maxStack = max(maxStack, s.stack, next.stack)
		maxCont = max(maxCont, len(s.conts), len(next.conts))

		switch {
		case op == vm.OpSwitch:
			t := ci.Switches[ins.A]
			for _, l := range t.Labels {
				toLabel(at, l, next)
			}
			toLabel(at, t.Default, next)
		case op == vm.OpGoto:
			jump(at, int(ins.A), next)
		case info.Branch:
			reach(at, pc+int(ins.A), next)
		}
		// LEAVE_FINALLY continues in line when nothing is pending.
		if !op.Terminates() || (op == vm.OpLeaveFinally && pc+1 < n) {
			reach(at, pc+1, next)
		}
	}

	if maxStack > ci.MaxStack {
		bad("operand stack reaches depth %d, max stack is %d", maxStack, ci.MaxStack)
	}
	if maxCont > ci.MaxCont {
		bad("continuation stack reaches depth %d, max is %d", maxCont, ci.MaxCont)
	}
	return errs
}
