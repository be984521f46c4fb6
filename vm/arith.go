package vm

import (
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

// arith applies a binary arithmetic opcode. Unchecked integer operations
// wrap; checked ones raise Overflow.
func arith(op Opcode, a, b Value) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		return intArith(op, a.Int(), b.Int())
	}
	if a.IsNumber() && b.IsNumber() {
		return floatArith(op, a.Float64(), b.Float64())
	}
	if op == OpAdd && a.kind == KindString && b.kind == KindString {
		return FromString(a.Str() + b.Str()), nil
	}
	return Nil, NewException(ExcTypeError, "%s: unsupported operands %s and %s", op, a.kind, b.kind)
}

func intArith(op Opcode, x, y int64) (Value, *Exception) {
	switch op {
	case OpAdd:
		return FromInt(x + y), nil
	case OpSub:
		return FromInt(x - y), nil
	case OpMul:
		return FromInt(x * y), nil
	case OpDiv:
		if y == 0 {
			return Nil, NewException(ExcDivideByZero, "integer division by zero")
		}
		return FromInt(x / y), nil
	case OpMod:
		if y == 0 {
			return Nil, NewException(ExcDivideByZero, "integer modulo by zero")
		}
		return FromInt(x % y), nil
	case OpAddChecked:
		r := x + y
		if (x > 0 && y > 0 && r < 0) || (x < 0 && y < 0 && r >= 0) {
			return Nil, NewException(ExcOverflow, "%d + %d overflows", x, y)
		}
		return FromInt(r), nil
	case OpSubChecked:
		r := x - y
		if (x >= 0 && y < 0 && r < 0) || (x < 0 && y > 0 && r >= 0) {
			return Nil, NewException(ExcOverflow, "%d - %d overflows", x, y)
		}
		return FromInt(r), nil
	case OpMulChecked:
		if x == 0 || y == 0 {
			return FromInt(0), nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return Nil, NewException(ExcOverflow, "%d * %d overflows", x, y)
		}
		return FromInt(r), nil
	}
	return Nil, NewException(ExcTypeError, "%s is not arithmetic", op)
}

func floatArith(op Opcode, x, y float64) (Value, *Exception) {
	switch op {
	case OpAdd, OpAddChecked:
		return FromFloat64(x + y), nil
	case OpSub, OpSubChecked:
		return FromFloat64(x - y), nil
	case OpMul, OpMulChecked:
		return FromFloat64(x * y), nil
	case OpDiv:
		return FromFloat64(x / y), nil
	case OpMod:
		return FromFloat64(math.Mod(x, y)), nil
	}
	return Nil, NewException(ExcTypeError, "%s is not arithmetic", op)
}

// compare applies a comparison opcode.
func compare(op Opcode, a, b Value) (Value, *Exception) {
	switch op {
	case OpEQ:
		return FromBool(Equal(a, b)), nil
	case OpNE:
		return FromBool(!Equal(a, b)), nil
	}
	var c int
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		x, y := a.Int(), b.Int()
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	case a.IsNumber() && b.IsNumber():
		x, y := a.Float64(), b.Float64()
		if x != x || y != y {
			return False, nil
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	case a.kind == KindString && b.kind == KindString:
		c = strings.Compare(a.Str(), b.Str())
	default:
		return Nil, NewException(ExcTypeError, "%s: cannot compare %s and %s", op, a.kind, b.kind)
	}
	switch op {
	case OpLT:
		return FromBool(c < 0), nil
	case OpLE:
		return FromBool(c <= 0), nil
	case OpGT:
		return FromBool(c > 0), nil
	case OpGE:
		return FromBool(c >= 0), nil
	}
	return Nil, NewException(ExcTypeError, "%s is not a comparison", op)
}

func negate(v Value) (Value, *Exception) {
	switch v.kind {
	case KindInt:
		return FromInt(-v.Int()), nil
	case KindFloat:
		return FromFloat64(-v.Float64()), nil
	}
	return Nil, NewException(ExcTypeError, "cannot negate %s", v.kind)
}

// binaryOp dispatches any two-operand opcode.
func binaryOp(op Opcode, a, b Value) (Value, *Exception) {
	if op >= OpEQ && op <= OpGE {
		return compare(op, a, b)
	}
	return arith(op, a, b)
}
