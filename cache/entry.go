package cache

// entry is an intrusive doubly linked list element owned by the cache.
// It outlives its value: eviction clears val and unlinks the entry, but the
// generator stays so the next access can regenerate.
type entry[V any] struct {
	id  uint64
	gen Generator[V]

	val      V
	resident bool

	// Intrusive list links (resident entries only): head is MRU, tail is LRU.
	prev *entry[V]
	next *entry[V]

	// Cost charged against capacity while resident. Fixed at insertion.
	cost int64
}

// ID implements policy.Node.
func (e *entry[V]) ID() uint64 { return e.id }
