package vm

import "sync/atomic"

// Inline Caching for call sites
//
// Each CALL_HOST and CALL instruction owns a cache keyed by the identity
// of the callee it resolved: a *HostFunc for host calls, a *Function for
// closure calls. Most sites only ever see one callee. A host entry carries
// the Invoker built for it. A function is cached only once its arity
// matched the site's argument count, so a hit skips the arity check.
//
// Caches are shared by every interpreter running the same Code, so the
// entries are published as immutable snapshots and replaced with a
// compare-and-swap. A lost update only costs another miss.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single callee cached
	CachePolymorphic                   // 2-6 entries in PIC
	CacheMegamorphic                   // Too many callees, always resolve
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached resolution.
type InlineCacheEntry struct {
	Key     any      // *HostFunc or *Function
	Invoker *Invoker // host calls only
}

type icSnapshot struct {
	state   CacheState
	entries []InlineCacheEntry
}

var emptySnapshot = &icSnapshot{state: CacheEmpty}

// InlineCache represents the cache state for a single call site.
// It progresses through states: Empty -> Monomorphic -> Polymorphic -> Megamorphic
type InlineCache struct {
	snap atomic.Pointer[icSnapshot]

	// Statistics for profiling
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (ic *InlineCache) load() *icSnapshot {
	if s := ic.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// State returns the cache state.
func (ic *InlineCache) State() CacheState { return ic.load().state }

// Lookup checks the cache for key.
func (ic *InlineCache) Lookup(key any) (InlineCacheEntry, bool) {
	s := ic.load()
	for _, e := range s.entries {
		if e.Key == key {
			ic.hits.Add(1)
			return e, true
		}
	}
	ic.misses.Add(1)
	return InlineCacheEntry{}, false
}

// Update records a new resolution, potentially upgrading the cache state.
func (ic *InlineCache) Update(e InlineCacheEntry) {
	if e.Key == nil {
		return // Don't cache failed lookups
	}
	old := ic.snap.Load()
	s := old
	if s == nil {
		s = emptySnapshot
	}
	var next *icSnapshot
	switch s.state {
	case CacheEmpty:
		// First lookup - become monomorphic
		next = &icSnapshot{state: CacheMonomorphic, entries: []InlineCacheEntry{e}}

	case CacheMonomorphic, CachePolymorphic:
		for _, have := range s.entries {
			if have.Key == e.Key {
				return // Already cached
			}
		}
		if len(s.entries) < MaxPICEntries {
			entries := make([]InlineCacheEntry, len(s.entries), len(s.entries)+1)
			copy(entries, s.entries)
			next = &icSnapshot{state: CachePolymorphic, entries: append(entries, e)}
		} else {
			// Too many callees - go megamorphic
			next = &icSnapshot{state: CacheMegamorphic}
		}

	case CacheMegamorphic:
		// Stay megamorphic, don't cache anything
		return
	}
	ic.snap.CompareAndSwap(old, next)
}

// Hits returns the number of cache hits.
func (ic *InlineCache) Hits() uint64 { return ic.hits.Load() }

// Misses returns the number of cache misses.
func (ic *InlineCache) Misses() uint64 { return ic.misses.Load() }

// HitRate returns the cache hit rate as a percentage (0-100).
func (ic *InlineCache) HitRate() float64 {
	hits, misses := ic.Hits(), ic.Misses()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

// Reset clears the cache back to empty state.
func (ic *InlineCache) Reset() {
	ic.snap.Store(nil)
	ic.hits.Store(0)
	ic.misses.Store(0)
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalCallSites  int     // Total number of call sites with caches
	Monomorphic     int     // Call sites in monomorphic state
	Polymorphic     int     // Call sites in polymorphic state
	Megamorphic     int     // Call sites in megamorphic state
	Empty           int     // Call sites never used
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of used call sites that are monomorphic
}

// CollectICStats gathers inline cache statistics from every call site of
// a program.
func CollectICStats(p *Program) ICStats {
	var stats ICStats
	for _, fn := range p.Functions {
		for _, site := range fn.Code.CallSites {
			stats.TotalCallSites++
			switch site.cache.State() {
			case CacheMonomorphic:
				stats.Monomorphic++
			case CachePolymorphic:
				stats.Polymorphic++
			case CacheMegamorphic:
				stats.Megamorphic++
			default:
				stats.Empty++
			}
			stats.TotalHits += site.cache.Hits()
			stats.TotalMisses += site.cache.Misses()
		}
	}

	// Calculate rates
	total := stats.TotalHits + stats.TotalMisses
	if total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	nonEmpty := stats.TotalCallSites - stats.Empty
	if nonEmpty > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(nonEmpty)
	}
	return stats
}
