package vm

import (
	"reflect"
	"strings"
	"sync"
)

// FieldCache resolves field names of host structs to index paths, once per
// (type, name). A field matches by Go name or by its `tern:"name"` tag.
type FieldCache struct {
	paths sync.Map // fieldKey -> []int (nil when the field does not exist)
}

type fieldKey struct {
	t    reflect.Type
	name string
}

func (c *FieldCache) path(t reflect.Type, name string) []int {
	key := fieldKey{t: t, name: name}
	if p, ok := c.paths.Load(key); ok {
		return p.([]int)
	}
	p, _ := c.paths.LoadOrStore(key, lookupField(t, name))
	return p.([]int)
}

func lookupField(t reflect.Type, name string) []int {
	if f, ok := t.FieldByName(name); ok && f.IsExported() {
		return f.Index
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("tern"), ",")
		if tag == name {
			return f.Index
		}
	}
	return nil
}

// Len returns the number of cached (type, name) pairs.
func (c *FieldCache) Len() int {
	n := 0
	c.paths.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Load reads field name of obj.
func (c *FieldCache) Load(obj Value, name string) (Value, *Exception) {
	if obj.IsNil() {
		return Nil, NewException(ExcNilReference, "field %s of nil", name)
	}
	x := obj.Ref()
	if m, ok := x.(map[string]Value); ok {
		v, ok := m[name]
		if !ok {
			return Nil, NewException(ExcMissingField, "no key %q", name)
		}
		return v, nil
	}
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Nil, NewException(ExcNilReference, "field %s of nil %s", name, rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return Nil, NewException(ExcTypeError, "field %s of %s", name, obj.Kind())
	}
	p := c.path(rv.Type(), name)
	if p == nil {
		return Nil, NewException(ExcMissingField, "%s has no field %s", rv.Type(), name)
	}
	f, err := rv.FieldByIndexErr(p)
	if err != nil {
		return Nil, NewException(ExcNilReference, "field %s: %s", name, err)
	}
	return FromGo(f.Interface()), nil
}

// Store writes v into field name of obj, which must be a pointer to a
// struct or a map[string]Value.
func (c *FieldCache) Store(obj Value, name string, v Value) *Exception {
	if obj.IsNil() {
		return NewException(ExcNilReference, "field %s of nil", name)
	}
	x := obj.Ref()
	if m, ok := x.(map[string]Value); ok {
		m[name] = v
		return nil
	}
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return NewException(ExcNilReference, "field %s of nil %s", name, rv.Type())
	}
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return NewException(ExcTypeError, "cannot set field %s of %s", name, obj.Kind())
	}
	rv = rv.Elem()
	p := c.path(rv.Type(), name)
	if p == nil {
		return NewException(ExcMissingField, "%s has no field %s", rv.Type(), name)
	}
	f, err := rv.FieldByIndexErr(p)
	if err != nil {
		return NewException(ExcNilReference, "field %s: %s", name, err)
	}
	nv, cerr := toReflect(v, f.Type())
	if cerr != nil {
		return NewException(ExcTypeError, "field %s: %s", name, cerr)
	}
	f.Set(nv)
	return nil
}
