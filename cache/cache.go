package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IvanBrykalov/rastercache/internal/singleflight"
	"github.com/IvanBrykalov/rastercache/internal/util"
	"github.com/IvanBrykalov/rastercache/policy"
	"github.com/IvanBrykalov/rastercache/policy/lru"
)

var (
	// ErrCapacity is returned by Insert when a generator's size exceeds the
	// total capacity of the cache.
	ErrCapacity = errors.New("cache: entry size exceeds capacity")
	// ErrRemoved is returned when dereferencing a handle whose entry was destroyed.
	ErrRemoved = errors.New("cache: entry removed")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache: closed")
)

// Cache is a bounded store of lazily materialized values.
//
// Entries are registered with a Generator and produce their value on first
// access. When the total cost of resident values would exceed Capacity, the
// least recently used values are dropped; their entries survive and
// regenerate on the next access. All methods are safe for concurrent use.
type Cache[V any] struct {
	// ---- guarded by mu ----
	mu       sync.Mutex
	entries  map[uint64]*entry[V]
	head     *entry[V] // MRU
	tail     *entry[V] // LRU
	len      int       // number of resident entries
	cost     int64     // total cost of resident entries
	capacity int64
	nextID   uint64
	closed   bool

	pol policy.Instance
	opt Options[V]
	log *slog.Logger

	// sf coalesces concurrent generation of one entry.
	sf singleflight.Group[uint64, V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
	gens   util.PaddedAtomicUint64
}

// victim is a dropped value waiting for OnEvict outside the lock.
type victim[V any] struct {
	id     uint64
	val    V
	reason EvictReason
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics -> NoopMetrics
//   - nil Policy  -> LRU
//   - nil Logger  -> slog.Default()
func New[V any](opt Options[V]) *Cache[V] {
	if opt.Capacity <= 0 {
		panic("cache: Capacity must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	c := &Cache[V]{
		entries:  make(map[uint64]*entry[V]),
		capacity: opt.Capacity,
		opt:      opt,
		log:      opt.Logger,
	}
	c.pol = opt.Policy.New(cacheHooks[V]{c: c})
	return c
}

// Insert registers a new entry backed by gen and returns its handle.
// No generation happens until the handle is dereferenced.
func (c *Cache[V]) Insert(gen Generator[V]) (*Handle[V], error) {
	size := gen.Size()
	if size < 0 {
		size = 0
	}
	if size > c.capacity {
		return nil, fmt.Errorf("%w: size %d, capacity %d", ErrCapacity, size, c.capacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	e := &entry[V]{id: c.nextID, gen: gen, cost: size}
	c.entries[e.id] = e
	return &Handle[V]{c: c, id: e.id}, nil
}

// Remove destroys the entry behind h. A resident value is handed to OnEvict
// with EvictRemoved. Removing twice is a no-op.
func (c *Cache[V]) Remove(h *Handle[V]) { c.remove(h.id) }

// Len returns the number of resident values.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.len
}

// Cost returns the total cost of resident values.
func (c *Cache[V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

// Capacity returns the configured cost budget.
func (c *Cache[V]) Capacity() int64 { return c.capacity }

// Entries returns the number of live entries, resident or not.
func (c *Cache[V]) Entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	resident, entries, cost := c.len, len(c.entries), c.cost
	c.mu.Unlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evicts.Load(),
		Generations: c.gens.Load(),
		Resident:    resident,
		Entries:     entries,
		Cost:        cost,
	}
}

// Close drops every resident value (OnEvict with EvictClosed) and destroys
// all entries. Later operations return ErrClosed. Close is idempotent.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var victims []victim[V]
	for c.tail != nil {
		victims = append(victims, c.dropLocked(c.tail, EvictClosed))
	}
	clear(c.entries)
	c.opt.Metrics.Size(c.len, c.cost)
	c.mu.Unlock()

	c.notify(victims)
	return nil
}

// -------------------- internals --------------------

func (c *Cache[V]) resident(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.resident
}

func (c *Cache[V]) remove(id uint64) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	c.pol.OnDelete(e)
	var victims []victim[V]
	if e.resident {
		// Explicit removal is not counted as an eviction in metrics.
		c.unlink(e)
		victims = append(victims, c.clearLocked(e, EvictRemoved))
		c.opt.Metrics.Size(c.len, c.cost)
	}
	c.mu.Unlock()

	c.notify(victims)
}

// value returns the entry's value, generating it on a miss.
func (c *Cache[V]) value(id uint64) (V, error) {
	var zero V

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return zero, ErrRemoved
	}
	if e.resident {
		c.pol.OnGet(e)
		v := e.val
		c.mu.Unlock()
		c.hits.Add(1)
		c.opt.Metrics.Hit()
		return v, nil
	}
	c.mu.Unlock()

	c.misses.Add(1)
	c.opt.Metrics.Miss()

	v, err, _ := c.sf.Do(id, func() (V, error) { return c.generate(id) })
	return v, err
}

// generate runs the entry's generator outside the lock and installs the
// result. Callers are serialized per id by the singleflight group.
func (c *Cache[V]) generate(id uint64) (V, error) {
	var zero V

	// Double-check: a previous flight may have landed since the miss.
	c.mu.Lock()
	e, ok := c.entries[id]
	switch {
	case c.closed:
		c.mu.Unlock()
		return zero, ErrClosed
	case !ok:
		c.mu.Unlock()
		return zero, ErrRemoved
	case e.resident:
		c.pol.OnGet(e)
		v := e.val
		c.mu.Unlock()
		return v, nil
	}
	gen := e.gen
	c.mu.Unlock()

	start := time.Now()
	v, err := gen.Generate()
	c.opt.Metrics.Generate(time.Since(start), err)
	if err != nil {
		c.log.Debug("cache: generate failed", "id", id, "err", err)
		return zero, err
	}
	c.gens.Add(1)

	c.mu.Lock()
	cur, ok := c.entries[id]
	if c.closed || !ok || cur != e {
		reason, rerr := EvictRemoved, ErrRemoved
		if c.closed {
			reason, rerr = EvictClosed, ErrClosed
		}
		c.mu.Unlock()
		c.notify([]victim[V]{{id: id, val: v, reason: reason}})
		return zero, rerr
	}

	// Make room: drop LRU values until the new cost fits.
	var victims []victim[V]
	for c.cost+e.cost > c.capacity {
		t := c.back()
		if t == nil {
			break
		}
		victims = append(victims, c.dropLocked(t, EvictCapacity))
	}

	e.val = v
	e.resident = true
	if ev := c.pol.OnAdd(e); ev != nil {
		if n, ok := ev.(*entry[V]); ok && n != e && n.resident {
			victims = append(victims, c.dropLocked(n, EvictPolicy))
		}
	}
	c.opt.Metrics.Size(c.len, c.cost)
	c.mu.Unlock()

	c.notify(victims)
	return v, nil
}

// dropLocked evicts e's value, keeping the entry for later regeneration.
func (c *Cache[V]) dropLocked(e *entry[V], reason EvictReason) victim[V] {
	c.pol.OnRemove(e)
	c.unlink(e)
	c.evicts.Add(1)
	c.opt.Metrics.Evict(reason)
	return c.clearLocked(e, reason)
}

// clearLocked detaches the value from e. The entry must already be unlinked.
func (c *Cache[V]) clearLocked(e *entry[V], reason EvictReason) victim[V] {
	var zero V
	vc := victim[V]{id: e.id, val: e.val, reason: reason}
	e.val = zero
	e.resident = false
	return vc
}

// notify delivers dropped values to OnEvict. Must be called without mu.
func (c *Cache[V]) notify(victims []victim[V]) {
	cb := c.opt.OnEvict
	if cb == nil {
		return
	}
	for _, vc := range victims {
		cb(vc.id, vc.val, vc.reason)
	}
}
