package vm

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Value is a tagged interpreter value.
//
// Scalars live inline in the bits word; strings and host references are
// held in ref. The zero Value is Nil.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindRef
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindRef:    "ref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Pre-defined special values
var (
	Nil   = Value{}
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func FromInt(n int64) Value { return Value{kind: KindInt, bits: uint64(n)} }

func FromFloat64(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }

func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

func FromString(s string) Value { return Value{kind: KindString, ref: s} }

// FromRef wraps a host reference. A nil reference is Nil.
func FromRef(x any) Value {
	if x == nil {
		return Nil
	}
	return Value{kind: KindRef, ref: x}
}

// FromGo converts a Go value, widening sized integers and floats.
func FromGo(x any) Value {
	switch x := x.(type) {
	case nil:
		return Nil
	case Value:
		return x
	case bool:
		return FromBool(x)
	case int:
		return FromInt(int64(x))
	case int8:
		return FromInt(int64(x))
	case int16:
		return FromInt(int64(x))
	case int32:
		return FromInt(int64(x))
	case int64:
		return FromInt(x)
	case uint:
		return FromInt(int64(x))
	case uint8:
		return FromInt(int64(x))
	case uint16:
		return FromInt(int64(x))
	case uint32:
		return FromInt(int64(x))
	case uint64:
		return FromInt(int64(x))
	case float32:
		return FromFloat64(float64(x))
	case float64:
		return FromFloat64(x)
	case string:
		return FromString(x)
	}
	return FromRef(x)
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool    { return v.kind == KindNil }
func (v Value) IsBool() bool   { return v.kind == KindBool }
func (v Value) IsInt() bool    { return v.kind == KindInt }
func (v Value) IsFloat() bool  { return v.kind == KindFloat }
func (v Value) IsString() bool { return v.kind == KindString }
func (v Value) IsRef() bool    { return v.kind == KindRef }

// IsNumber returns true for ints and floats.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Int returns the integer payload. The result is unspecified for other kinds.
func (v Value) Int() int64 { return int64(v.bits) }

// Float64 returns the float payload, converting ints.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(int64(v.bits))
	}
	return math.Float64frombits(v.bits)
}

func (v Value) Bool() bool { return v.kind == KindBool && v.bits != 0 }

// Str returns the string payload, or "" for non-strings.
func (v Value) Str() string {
	s, _ := v.ref.(string)
	return s
}

// Ref returns the host reference, or nil.
func (v Value) Ref() any {
	if v.kind != KindRef {
		return nil
	}
	return v.ref
}

// Truthy is false for nil and false, true for everything else.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.bits != 0
	}
	return true
}

// ToGo returns the natural Go representation of v.
func (v Value) ToGo() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindFloat:
		return v.Float64()
	case KindString:
		return v.Str()
	case KindRef:
		return v.ref
	}
	return nil
}

// Equal compares by value for scalars and strings, by identity for refs.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		if a.IsNumber() && b.IsNumber() {
			return a.Float64() == b.Float64()
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool, KindInt:
		return a.bits == b.bits
	case KindFloat:
		return a.Float64() == b.Float64()
	case KindString:
		return a.Str() == b.Str()
	}
	return refEqual(a.ref, b.ref)
}

func refEqual(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str())
	}
	if s, ok := v.ref.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("<%T>", v.ref)
}
