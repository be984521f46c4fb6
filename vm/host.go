package vm

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// HostFunc is a Go function callable from programs.
type HostFunc struct {
	Name string
	Fn   any
	// Dynamic marks functions built at run time (for example with
	// reflect.MakeFunc); they are always called through reflection.
	Dynamic bool

	typ reflect.Type
}

// NewHostFunc validates fn and wraps it.
func NewHostFunc(name string, fn any) (*HostFunc, error) {
	if name == "" {
		return nil, fmt.Errorf("host function needs a name")
	}
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return nil, fmt.Errorf("host function %s: %T is not a function", name, fn)
	}
	if reflect.ValueOf(fn).IsNil() {
		return nil, fmt.Errorf("host function %s is nil", name)
	}
	return &HostFunc{Name: name, Fn: fn, typ: t}, nil
}

// Type returns the Go signature of the function.
func (h *HostFunc) Type() reflect.Type { return h.typ }

func (h *HostFunc) String() string { return fmt.Sprintf("<host %s %s>", h.Name, h.typ) }

// HostTable maps names to host functions. Readers see an immutable
// snapshot; registration copies it.
type HostTable struct {
	mu    sync.Mutex
	funcs atomic.Pointer[map[string]*HostFunc]
}

func newHostTable() *HostTable {
	t := &HostTable{}
	m := make(map[string]*HostFunc)
	t.funcs.Store(&m)
	return t
}

// Lookup returns the function registered under name.
func (t *HostTable) Lookup(name string) (*HostFunc, bool) {
	h, ok := (*t.funcs.Load())[name]
	return h, ok
}

// put installs h and reports whether it replaced an earlier function.
func (t *HostTable) put(h *HostFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.funcs.Load()
	next := make(map[string]*HostFunc, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	_, replaced := next[h.Name]
	next[h.Name] = h
	t.funcs.Store(&next)
	return replaced
}

// Names returns the registered names in sorted order.
func (t *HostTable) Names() []string {
	m := *t.funcs.Load()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
