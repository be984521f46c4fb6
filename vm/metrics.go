package vm

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the runtime's Prometheus collectors, registered in a
// registry owned by the runtime.
type Metrics struct {
	Registry *prometheus.Registry

	LoopsCompiled      prometheus.Counter
	LoopCompileSeconds prometheus.Histogram
	HostCalls          *prometheus.CounterVec
	ExceptionsThrown   *prometheus.CounterVec

	specializedCalls prometheus.Counter
	reflectCalls     prometheus.Counter
}

// NewMetrics creates and registers the runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LoopsCompiled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "loops_compiled_total",
			Help:      "Hot loops promoted to compiled form.",
		}),
		LoopCompileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tern",
			Name:      "loop_compile_seconds",
			Help:      "Time spent compiling hot loops.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		HostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "host_calls_total",
			Help:      "Host function calls by dispatch path.",
		}, []string{"path"}),
		ExceptionsThrown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "exceptions_thrown_total",
			Help:      "Exceptions raised by programs, by kind.",
		}, []string{"kind"}),
	}
	m.specializedCalls = m.HostCalls.WithLabelValues("specialized")
	m.reflectCalls = m.HostCalls.WithLabelValues("reflect")
	m.Registry.MustRegister(m.LoopsCompiled, m.LoopCompileSeconds, m.HostCalls, m.ExceptionsThrown)
	return m
}

func (m *Metrics) thrown(v Value) {
	kind := "value"
	if e, ok := ExceptionOf(v); ok {
		kind = e.Kind
	}
	m.ExceptionsThrown.WithLabelValues(kind).Inc()
}
