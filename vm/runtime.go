package vm

import (
	"context"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tern.vm")

// DefaultMaxCallDepth bounds nested calls before StackOverflow is raised.
const DefaultMaxCallDepth = 4096

// Options configures a Runtime.
type Options struct {
	MaxCallDepth        int
	MaxSpecializedArity int
	Tiering             TierOptions
}

// DefaultOptions returns the default runtime configuration.
func DefaultOptions() Options {
	return Options{
		MaxCallDepth:        DefaultMaxCallDepth,
		MaxSpecializedArity: DefaultMaxSpecializedArity,
		Tiering:             DefaultTierOptions(),
	}
}

// Runtime holds everything shared by the programs built against it: the
// host function table, dispatch and field caches, the tierer and metrics.
// A Runtime is safe for concurrent use; interpreters are not.
type Runtime struct {
	opts     Options
	hosts    *HostTable
	dispatch *Dispatcher
	fields   *FieldCache
	tier     *Tierer
	metrics  *Metrics
}

// NewRuntime creates a runtime. Close it to stop background tiering.
func NewRuntime(opts Options) *Runtime {
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = DefaultMaxCallDepth
	}
	metrics := NewMetrics()
	return &Runtime{
		opts:     opts,
		hosts:    newHostTable(),
		dispatch: newDispatcher(opts.MaxSpecializedArity, metrics),
		fields:   &FieldCache{},
		tier:     newTierer(opts.Tiering, metrics),
		metrics:  metrics,
	}
}

// Options returns the runtime's configuration.
func (rt *Runtime) Options() Options { return rt.opts }

// RegisterHost makes fn callable under name. Registering a name again
// replaces the function and invalidates cached dispatch for it.
func (rt *Runtime) RegisterHost(name string, fn any) error {
	h, err := NewHostFunc(name, fn)
	if err != nil {
		return err
	}
	return rt.RegisterHostFunc(h)
}

// RegisterHostFunc installs a prepared host function.
func (rt *Runtime) RegisterHostFunc(h *HostFunc) error {
	if h.typ == nil {
		checked, err := NewHostFunc(h.Name, h.Fn)
		if err != nil {
			return err
		}
		checked.Dynamic = h.Dynamic
		*h = *checked
	}
	if rt.hosts.put(h) {
		rt.dispatch.Invalidate(h.Name)
		log.Debugf("replaced host function %s", h.Name)
	}
	return nil
}

// Host returns the host function registered under name.
func (rt *Runtime) Host(name string) (*HostFunc, bool) { return rt.hosts.Lookup(name) }

// HostNames lists registered host functions.
func (rt *Runtime) HostNames() []string { return rt.hosts.Names() }

// Dispatcher returns the shared invoker cache.
func (rt *Runtime) Dispatcher() *Dispatcher { return rt.dispatch }

// Fields returns the shared field cache.
func (rt *Runtime) Fields() *FieldCache { return rt.fields }

// Tierer returns the loop tierer.
func (rt *Runtime) Tierer() *Tierer { return rt.tier }

// Metrics returns the runtime's collectors.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// NewInterpreter creates an interpreter whose safe points observe ctx.
func (rt *Runtime) NewInterpreter(ctx context.Context) *Interpreter {
	return &Interpreter{rt: rt, cancel: NewCancelToken(ctx)}
}

// Close stops background work.
func (rt *Runtime) Close() {
	rt.tier.Close()
}
