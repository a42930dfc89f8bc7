// Package cache provides a bounded, generic cache of lazily materialized
// values. It is the piece that keeps native codec handles and decoded pixel
// blocks within a fixed budget while letting callers hold on to cheap,
// always-dereferenceable handles.
//
// Design
//
//   - Entries vs values: an entry is registered once with a Generator and
//     lives until it is removed. Its value comes and goes: it is generated on
//     first access, dropped under memory pressure, and regenerated on the
//     next access. Handles refer to entries by id and never own values.
//
//   - Storage: one map[uint64]*entry for lookups and an intrusive MRU↔LRU
//     doubly linked list of resident entries. All bookkeeping is O(1) expected
//     under a single mutex, which keeps LRU order strict across the whole
//     cache.
//
//   - Generation: Generate runs without the cache lock. Concurrent first
//     accesses to one absent entry are coalesced (singleflight) so the
//     generator runs once. A failed generation leaves the entry absent and is
//     not retried automatically.
//
//   - Cost: every entry reports Size(). Before a new value is installed the
//     LRU tail is dropped until the total resident cost fits Capacity.
//     Insert rejects generators larger than Capacity with ErrCapacity.
//
//   - Policies: LRU by default; 2Q (policy/twoq) resists scan pollution.
//
//   - Callbacks: Options.OnEvict(id, v, reason) is called for every dropped
//     value after the cache lock is released, so it may close files or
//     call back into the cache.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size/Generate signals.
//     NoopMetrics is the default; metrics/prom exports them to Prometheus.
//
// Basic usage
//
//	c := cache.New(cache.Options[[]byte]{Capacity: 64 << 20})
//	h, err := c.Insert(cache.NewGenerator(4096, func() ([]byte, error) {
//	    return readBlock(17)
//	}))
//	if err != nil {
//	    return err
//	}
//	b, err := h.Value() // generated now, resident until evicted
//	...
//	h.Release()
//
// Closing native handles on eviction
//
//	c := cache.New(cache.Options[io.Closer]{
//	    Capacity: 200,
//	    OnEvict:  func(_ uint64, f io.Closer, _ cache.EvictReason) { _ = f.Close() },
//	})
package cache
