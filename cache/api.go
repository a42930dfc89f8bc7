package cache

// Generator produces the value of a cache entry on demand.
//
// Generate may be called many times over the life of an entry (once per
// eviction), so it must be pure with respect to its backing state: two calls
// with nothing changed in between yield equivalent values.
type Generator[V any] interface {
	// Generate materializes the value. It runs without the cache lock held.
	Generate() (V, error)
	// Size is the cost the value occupies in the cache budget.
	Size() int64
}

// GeneratorFunc adapts a function and a fixed size to Generator.
type GeneratorFunc[V any] struct {
	Fn   func() (V, error)
	Cost int64
}

// NewGenerator returns a Generator of the given size backed by fn.
func NewGenerator[V any](size int64, fn func() (V, error)) GeneratorFunc[V] {
	return GeneratorFunc[V]{Fn: fn, Cost: size}
}

func (g GeneratorFunc[V]) Generate() (V, error) { return g.Fn() }
func (g GeneratorFunc[V]) Size() int64          { return g.Cost }

// Handle is a capability token for one cache entry. It never owns the value:
// dereferencing goes through the cache, which regenerates when needed.
// Handles are cheap to copy and safe for concurrent use.
type Handle[V any] struct {
	c  *Cache[V]
	id uint64
}

// ID returns the entry id, unique within its cache.
func (h *Handle[V]) ID() uint64 { return h.id }

// Value returns the materialized value, generating it if it is not resident.
// Concurrent calls on an absent entry share one generation.
func (h *Handle[V]) Value() (V, error) { return h.c.value(h.id) }

// Resident reports whether the value is currently materialized.
func (h *Handle[V]) Resident() bool { return h.c.resident(h.id) }

// Release destroys the entry. Later Value calls return ErrRemoved.
func (h *Handle[V]) Release() { h.c.remove(h.id) }
