package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// TierOptions configures loop tier-up.
type TierOptions struct {
	Enabled bool
	// Threshold is the number of loop iterations before compilation.
	Threshold int
	// Background compiles on a worker goroutine; otherwise the
	// interpreter compiles inline when the threshold is reached.
	Background bool
	QueueSize  int
}

// DefaultTierOptions returns the default tiering configuration.
func DefaultTierOptions() TierOptions {
	return TierOptions{
		Enabled:    true,
		Threshold:  1000,
		Background: true,
		QueueSize:  64,
	}
}

// Tierer promotes hot loops to compiled form. Each LOOP_HEADER counts
// down a per-loop counter; when it reaches zero the loop is compiled at
// most once and published through an atomic pointer. Until then, and
// whenever the compiled form bails out, execution stays interpreted.
type Tierer struct {
	opts    TierOptions
	log     commonlog.Logger
	metrics *Metrics

	// Compilation queue for background processing
	pending   chan tierWorkItem
	done      chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once

	mu           sync.RWMutex
	compiledKeys map[*LoopInfo]bool // Track what's been compiled

	// Statistics
	loopsCompiled   atomic.Uint64
	loopsRejected   atomic.Uint64
	queueDropped    atomic.Uint64
	compilationTime atomic.Uint64 // nanoseconds
}

// tierWorkItem represents a unit of compilation work.
type tierWorkItem struct {
	fn   *Function
	loop *LoopInfo
}

func newTierer(opts TierOptions, metrics *Metrics) *Tierer {
	if opts.Threshold <= 0 {
		opts.Threshold = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	t := &Tierer{
		opts:         opts,
		log:          commonlog.GetLogger("tern.tier"),
		metrics:      metrics,
		done:         make(chan struct{}),
		compiledKeys: make(map[*LoopInfo]bool),
	}
	if opts.Enabled && opts.Background {
		t.pending = make(chan tierWorkItem, opts.QueueSize)
		// Start background compilation worker
		go t.compilationWorker()
	}
	return t
}

// Enabled reports whether tier-up is on.
func (t *Tierer) Enabled() bool { return t.opts.Enabled }

// observe is called by LOOP_HEADER for loops without a compiled form.
func (t *Tierer) observe(fn *Function, loop *LoopInfo) {
	if !t.opts.Enabled {
		return
	}
	if loop.armed.CompareAndSwap(false, true) {
		loop.counter.Store(int32(t.opts.Threshold))
	}
	if loop.counter.Add(-1) != 0 {
		return
	}
	t.schedule(tierWorkItem{fn: fn, loop: loop})
}

// schedule queues or performs compilation of a hot loop.
func (t *Tierer) schedule(work tierWorkItem) {
	// Check if already compiled
	t.mu.RLock()
	compiled := t.compiledKeys[work.loop]
	t.mu.RUnlock()
	if compiled {
		return
	}

	if !t.opts.Background {
		t.compile(work)
		return
	}
	t.inflight.Add(1)
	select {
	case t.pending <- work:
	case <-t.done:
		t.inflight.Done()
	default:
		// Queue full: re-arm so the loop gets another chance later.
		t.inflight.Done()
		t.queueDropped.Add(1)
		work.loop.armed.Store(false)
	}
}

// compilationWorker processes the compilation queue in the background.
func (t *Tierer) compilationWorker() {
	for {
		select {
		case work := <-t.pending:
			t.compile(work)
			t.inflight.Done()
		case <-t.done:
			return
		}
	}
}

// compile builds and publishes the compiled form of a loop.
func (t *Tierer) compile(work tierWorkItem) {
	// Mark as compiled (even before we're done, to prevent duplicates)
	t.mu.Lock()
	if t.compiledKeys[work.loop] {
		t.mu.Unlock()
		return
	}
	t.compiledKeys[work.loop] = true
	t.mu.Unlock()

	start := time.Now()
	cl, err := compileLoop(work.fn.Code, work.loop)
	elapsed := time.Since(start)
	t.compilationTime.Add(uint64(elapsed.Nanoseconds()))
	if err != nil {
		t.loopsRejected.Add(1)
		t.log.Debugf("loop at %s:%d stays interpreted: %s", work.fn.Name, work.loop.Start, err)
		return
	}

	work.loop.compiled.Store(cl)
	t.loopsCompiled.Add(1)
	if t.metrics != nil {
		t.metrics.LoopsCompiled.Inc()
		t.metrics.LoopCompileSeconds.Observe(elapsed.Seconds())
	}
	t.log.Debugf("compiled loop %s[%d,%d) with %d/%d native steps",
		work.fn.Name, work.loop.Start, work.loop.End, cl.native, len(cl.steps))
}

// Flush waits until every queued compilation has finished.
func (t *Tierer) Flush() {
	t.inflight.Wait()
}

// Close stops the background worker. Queued work is abandoned.
func (t *Tierer) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// IsCompiled reports whether loop has been handed to the compiler.
func (t *Tierer) IsCompiled(loop *LoopInfo) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.compiledKeys[loop]
}

// TierStats holds tiering statistics.
type TierStats struct {
	LoopsCompiled   uint64
	LoopsRejected   uint64
	QueueDropped    uint64
	CompilationTime time.Duration
}

// Stats returns tiering statistics.
func (t *Tierer) Stats() TierStats {
	return TierStats{
		LoopsCompiled:   t.loopsCompiled.Load(),
		LoopsRejected:   t.loopsRejected.Load(),
		QueueDropped:    t.queueDropped.Load(),
		CompilationTime: time.Duration(t.compilationTime.Load()),
	}
}
