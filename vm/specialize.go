package vm

import (
	"fmt"
	"reflect"
)

// DefaultMaxSpecializedArity is the largest arity given a typed invoker.
const DefaultMaxSpecializedArity = 3

// Invoker calls a host function with interpreter values.
type Invoker struct {
	Call func(args []Value) (Value, error)
	// Specialized is false for the reflection path.
	Specialized bool
}

// NativeFunc is the signature host functions can use to work on Values
// directly. It is never routed through reflection.
type NativeFunc = func(args []Value) (Value, error)

// specializers maps a Go signature to a constructor of its typed call
// path. Entries must produce the same results as the reflection path.
var specializers = map[reflect.Type]func(fn any) func([]Value) (Value, error){
	reflect.TypeOf(NativeFunc(nil)): func(fn any) func([]Value) (Value, error) {
		return fn.(NativeFunc)
	},
	reflect.TypeOf((func() int64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func() int64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 0); err != nil {
				return Nil, err
			}
			return FromInt(f()), nil
		}
	},
	reflect.TypeOf((func(int64) int64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(int64) int64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 1); err != nil {
				return Nil, err
			}
			x, err := intArg(args, 0)
			if err != nil {
				return Nil, err
			}
			return FromInt(f(x)), nil
		}
	},
	reflect.TypeOf((func(int64, int64) int64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(int64, int64) int64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			x, err := intArg(args, 0)
			if err != nil {
				return Nil, err
			}
			y, err := intArg(args, 1)
			if err != nil {
				return Nil, err
			}
			return FromInt(f(x, y)), nil
		}
	},
	reflect.TypeOf((func(int64, int64, int64) int64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(int64, int64, int64) int64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 3); err != nil {
				return Nil, err
			}
			var xs [3]int64
			for i := range xs {
				x, err := intArg(args, i)
				if err != nil {
					return Nil, err
				}
				xs[i] = x
			}
			return FromInt(f(xs[0], xs[1], xs[2])), nil
		}
	},
	reflect.TypeOf((func(int64, int64) bool)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(int64, int64) bool)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			x, err := intArg(args, 0)
			if err != nil {
				return Nil, err
			}
			y, err := intArg(args, 1)
			if err != nil {
				return Nil, err
			}
			return FromBool(f(x, y)), nil
		}
	},
	reflect.TypeOf((func(int32, int32) int32)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(int32, int32) int32)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			x, err := intArg(args, 0)
			if err != nil {
				return Nil, err
			}
			y, err := intArg(args, 1)
			if err != nil {
				return Nil, err
			}
			return FromInt(int64(f(int32(x), int32(y)))), nil
		}
	},
	reflect.TypeOf((func(float64) float64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(float64) float64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 1); err != nil {
				return Nil, err
			}
			x, err := floatArg(args, 0)
			if err != nil {
				return Nil, err
			}
			return FromFloat64(f(x)), nil
		}
	},
	reflect.TypeOf((func(float64, float64) float64)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(float64, float64) float64)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			x, err := floatArg(args, 0)
			if err != nil {
				return Nil, err
			}
			y, err := floatArg(args, 1)
			if err != nil {
				return Nil, err
			}
			return FromFloat64(f(x, y)), nil
		}
	},
	reflect.TypeOf((func(bool) bool)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(bool) bool)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 1); err != nil {
				return Nil, err
			}
			if !args[0].IsBool() {
				return Nil, argTypeError(0, "bool", args[0])
			}
			return FromBool(f(args[0].Bool())), nil
		}
	},
	reflect.TypeOf((func(string) string)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(string) string)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 1); err != nil {
				return Nil, err
			}
			if !args[0].IsString() {
				return Nil, argTypeError(0, "string", args[0])
			}
			return FromString(f(args[0].Str())), nil
		}
	},
	reflect.TypeOf((func(string, string) string)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(string, string) string)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			for i := range args {
				if !args[i].IsString() {
					return Nil, argTypeError(i, "string", args[i])
				}
			}
			return FromString(f(args[0].Str(), args[1].Str())), nil
		}
	},
	reflect.TypeOf((func(Value) Value)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(Value) Value)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 1); err != nil {
				return Nil, err
			}
			return f(args[0]), nil
		}
	},
	reflect.TypeOf((func(Value, Value) Value)(nil)): func(fn any) func([]Value) (Value, error) {
		f := fn.(func(Value, Value) Value)
		return func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			return f(args[0], args[1]), nil
		}
	},
}

// Specialize returns the typed call path for h when its signature allows
// one, and the reflection path otherwise. A specializer that panics while
// being built is ignored.
func Specialize(h *HostFunc, maxArity int) (inv *Invoker) {
	if h.Dynamic || !specializable(h.typ, maxArity) {
		return reflectInvoker(h)
	}
	ctor, ok := specializers[h.typ]
	if !ok {
		return reflectInvoker(h)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("specializing %s failed, using reflection: %v", h.Name, r)
			inv = reflectInvoker(h)
		}
	}()
	return &Invoker{Call: ctor(h.Fn), Specialized: true}
}

func specializable(t reflect.Type, maxArity int) bool {
	if t == reflect.TypeOf(NativeFunc(nil)) {
		return true
	}
	if t.IsVariadic() || t.NumIn() > maxArity {
		return false
	}
	for i := 0; i < t.NumIn(); i++ {
		if t.In(i).Kind() == reflect.Pointer {
			return false
		}
	}
	return true
}

func wantArgs(args []Value, n int) error {
	if len(args) != n {
		return NewException(ExcTypeError, "expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func argTypeError(i int, want string, got Value) *Exception {
	return NewException(ExcTypeError, "argument %d: expected %s, got %s", i, want, got.Kind())
}

func intArg(args []Value, i int) (int64, error) {
	if !args[i].IsInt() {
		return 0, argTypeError(i, "int", args[i])
	}
	return args[i].Int(), nil
}

func floatArg(args []Value, i int) (float64, error) {
	if !args[i].IsNumber() {
		return 0, argTypeError(i, "float", args[i])
	}
	return args[i].Float64(), nil
}

// ---------------------------------------------------------------------------
// Reflection path
// ---------------------------------------------------------------------------

var (
	valueType = reflect.TypeOf(Value{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

func reflectInvoker(h *HostFunc) *Invoker {
	fv := reflect.ValueOf(h.Fn)
	t := h.typ
	return &Invoker{Call: func(args []Value) (Value, error) {
		nin := t.NumIn()
		if t.IsVariadic() {
			if len(args) < nin-1 {
				return Nil, NewException(ExcTypeError, "expected at least %d arguments, got %d", nin-1, len(args))
			}
		} else if len(args) != nin {
			return Nil, NewException(ExcTypeError, "expected %d arguments, got %d", nin, len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			pt := paramType(t, i)
			rv, err := toReflect(a, pt)
			if err != nil {
				return Nil, argTypeError(i, pt.String(), a)
			}
			in[i] = rv
		}
		return fromResults(fv.Call(in))
	}}
}

func paramType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}

// toReflect converts v to a Go value of type t.
func toReflect(v Value, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		return reflect.ValueOf(v), nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.IsInt() {
			return reflect.ValueOf(v.Int()).Convert(t), nil
		}
	case reflect.Float32, reflect.Float64:
		if v.IsNumber() {
			return reflect.ValueOf(v.Float64()).Convert(t), nil
		}
	case reflect.Bool:
		if v.IsBool() {
			return reflect.ValueOf(v.Bool()).Convert(t), nil
		}
	case reflect.String:
		if v.IsString() {
			return reflect.ValueOf(v.Str()).Convert(t), nil
		}
	default:
		if v.IsNil() {
			switch t.Kind() {
			case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
				return reflect.Zero(t), nil
			}
			break
		}
		x := reflect.ValueOf(v.ToGo())
		if x.Type().AssignableTo(t) {
			return x, nil
		}
		if x.Type().ConvertibleTo(t) {
			return x.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", v.Kind(), t)
}

func fromResults(out []reflect.Value) (Value, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return Nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return Nil, nil
	}
	return FromGo(out[0].Interface()), nil
}
