package vm

import (
	"fmt"
	"sync/atomic"
)

// Code is an immutable, fully resolved instruction array together with
// the tables its instructions index into.
type Code struct {
	Instrs    []Instruction
	Consts    []Value
	Labels    []RuntimeLabel
	Handlers  []Handler // innermost first
	Switches  []SwitchTable
	Loops     []*LoopInfo
	CallSites []*CallSite
	MaxStack  int
	MaxCont   int
}

// RuntimeLabel is a bound label as seen by the interpreter.
type RuntimeLabel struct {
	Index      int
	StackDepth int
	ContDepth  int
}

// HandlerKind distinguishes the three handler flavours.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFinally
	HandlerFault
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerFinally:
		return "finally"
	case HandlerFault:
		return "fault"
	}
	return fmt.Sprintf("HandlerKind(%d)", k)
}

// Handler covers the instructions in [TryStart, TryEnd). On entry the
// operand stack is cut back to StackDepth and the continuation stack to
// ContDepth; catch and fault handlers then find the exception pushed.
type Handler struct {
	Kind       HandlerKind
	TryStart   int
	TryEnd     int
	Target     int // runtime label
	Filter     string
	StackDepth int
	ContDepth  int
	// Capture handlers only record the exception; leaving them is not a
	// safe point.
	Capture bool
}

func (h *Handler) covers(pc int) bool {
	return pc >= h.TryStart && pc < h.TryEnd
}

// SwitchTable maps integer values to runtime labels.
type SwitchTable struct {
	Cases   []SwitchCase
	Default int
}

// SwitchCase is one entry of a SwitchTable.
type SwitchCase struct {
	Value int64
	Label int
}

func (t *SwitchTable) lookup(v int64) int {
	for _, c := range t.Cases {
		if c.Value == v {
			return c.Label
		}
	}
	return t.Default
}

// CallSite is a CALL_HOST, LOAD_HOST or CALL instruction's operand record.
// Host sites carry the function name; dynamic CALL sites have an empty Name.
type CallSite struct {
	Name  string
	Argc  int
	cache InlineCache
}

// NewCallSite creates a call site record.
func NewCallSite(name string, argc int) *CallSite {
	return &CallSite{Name: name, Argc: argc}
}

// Cache returns the site's inline cache.
func (s *CallSite) Cache() *InlineCache { return &s.cache }

// LoopInfo describes the instruction range of one loop, [Start, End), where
// Start is the LOOP_HEADER. It also carries the loop's tiering state.
type LoopInfo struct {
	Start int
	End   int

	counter  atomic.Int32
	armed    atomic.Bool
	compiled atomic.Pointer[CompiledLoop]
}

// NewLoopInfo creates a loop record.
func NewLoopInfo(start, end int) *LoopInfo {
	return &LoopInfo{Start: start, End: end}
}

// Compiled returns the published compiled form of the loop, or nil.
func (l *LoopInfo) Compiled() *CompiledLoop { return l.compiled.Load() }
