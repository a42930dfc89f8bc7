package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/rastercache/policy"
)

// EvictReason explains why a value left the cache.
type EvictReason int

const (
	// EvictPolicy: dropped on the eviction policy's request (e.g. 2Q probation overflow).
	EvictPolicy EvictReason = iota
	// EvictCapacity: dropped to make room for a newly generated value.
	EvictCapacity
	// EvictRemoved: the entry was destroyed via Remove or Handle.Release.
	EvictRemoved
	// EvictClosed: the cache was closed.
	EvictClosed
)

func (r EvictReason) String() string {
	switch r {
	case EvictPolicy:
		return "policy"
	case EvictCapacity:
		return "capacity"
	case EvictRemoved:
		return "removed"
	case EvictClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
	// Generate observes one run of an entry's generator.
	Generate(dur time.Duration, err error)
}

// Options configures the cache. Zero values are safe except Capacity;
// defaults are applied in New():
//   - nil Policy  => LRU
//   - nil Metrics => NoopMetrics
//   - nil Logger  => slog.Default()
type Options[V any] struct {
	// Capacity is the total cost budget of resident values. Must be > 0.
	Capacity int64

	// Policy is a pluggable eviction policy (LRU/2Q); nil => LRU.
	Policy policy.Policy

	// OnEvict is called whenever a value is dropped, after the cache lock has
	// been released. It is the place to close native handles.
	OnEvict func(id uint64, v V, reason EvictReason)

	Metrics Metrics
	Logger  *slog.Logger
}
