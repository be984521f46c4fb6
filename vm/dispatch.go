package vm

import (
	"sync"
	"sync/atomic"
)

// OpID identifies one version of a host operation. Re-registering or
// invalidating a name bumps its generation, so invokers cached under the
// old ID stop being found.
type OpID struct {
	Name       string
	Generation uint64
}

// Dispatcher caches invokers per operation. It is safe for concurrent
// use by any number of interpreters; inserts are insert-if-absent.
type Dispatcher struct {
	maxArity int
	metrics  *Metrics

	generations sync.Map // string -> *atomic.Uint64
	invokers    sync.Map // OpID -> *dispatchEntry
}

type dispatchEntry struct {
	fn  *HostFunc
	inv *Invoker
}

func newDispatcher(maxArity int, metrics *Metrics) *Dispatcher {
	if maxArity < 0 {
		maxArity = DefaultMaxSpecializedArity
	}
	return &Dispatcher{maxArity: maxArity, metrics: metrics}
}

func (d *Dispatcher) generation(name string) *atomic.Uint64 {
	g, _ := d.generations.LoadOrStore(name, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// ID returns the current identity of the operation name.
func (d *Dispatcher) ID(name string) OpID {
	return OpID{Name: name, Generation: d.generation(name).Load()}
}

// Resolve returns the invoker for h, building it on first use.
func (d *Dispatcher) Resolve(h *HostFunc) *Invoker {
	id := d.ID(h.Name)
	if e, ok := d.invokers.Load(id); ok && e.(*dispatchEntry).fn == h {
		return e.(*dispatchEntry).inv
	}
	inv := Specialize(h, d.maxArity)
	actual, _ := d.invokers.LoadOrStore(id, &dispatchEntry{fn: h, inv: inv})
	if e := actual.(*dispatchEntry); e.fn == h {
		return e.inv
	}
	// A different function owns this generation; it will be invalidated
	// by whoever replaced it.
	return inv
}

// Invalidate drops the cached invoker of name.
func (d *Dispatcher) Invalidate(name string) {
	old := d.generation(name).Add(1) - 1
	d.invokers.Delete(OpID{Name: name, Generation: old})
}

// Len returns the number of cached invokers.
func (d *Dispatcher) Len() int {
	n := 0
	d.invokers.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// record counts a call on the metrics of the path it took.
func (d *Dispatcher) record(inv *Invoker) {
	if d.metrics == nil {
		return
	}
	if inv.Specialized {
		d.metrics.specializedCalls.Inc()
	} else {
		d.metrics.reflectCalls.Inc()
	}
}
