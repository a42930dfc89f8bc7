package raster

import (
	"image"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/rastercache/cache"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/policy"
	"github.com/IvanBrykalov/rastercache/resource"
)

// DefaultPoolCapacity is the decoded-block budget of DefaultPool in bytes.
const DefaultPoolCapacity int64 = 256 << 20

// PoolOptions configures a Pool. Zero values are safe:
//   - Capacity <= 0 => DefaultPoolCapacity
//   - nil Policy    => strict LRU
//   - nil Metrics   => cache.NoopMetrics
//   - nil Logger    => slog.Default()
type PoolOptions struct {
	Capacity int64
	Policy   policy.Policy
	Metrics  cache.Metrics
	Logger   *slog.Logger
}

// Pool is the shared cache of decoded blocks. Blocks are keyed by
// (resource ID, block index) so overlapping plans over the same resource
// share one generation per block. Cost is the decoded size in bytes.
type Pool struct {
	c   *cache.Cache[pixel.Buffer]
	log *slog.Logger

	mu      sync.Mutex
	handles map[uint64]map[image.Point]*cache.Handle[pixel.Buffer]
}

// NewPool builds a block pool.
func NewPool(opt PoolOptions) *Pool {
	if opt.Capacity <= 0 {
		opt.Capacity = DefaultPoolCapacity
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Pool{
		c: cache.New(cache.Options[pixel.Buffer]{
			Capacity: opt.Capacity,
			Policy:   opt.Policy,
			Metrics:  opt.Metrics,
			Logger:   opt.Logger,
		}),
		log:     opt.Logger,
		handles: make(map[uint64]map[image.Point]*cache.Handle[pixel.Buffer]),
	}
}

var (
	defaultPoolMu sync.Mutex
	defaultPool   *Pool
)

// DefaultPool returns the process-wide pool, creating it on first use.
func DefaultPool() *Pool {
	defaultPoolMu.Lock()
	defer defaultPoolMu.Unlock()
	if defaultPool == nil {
		defaultPool = NewPool(PoolOptions{})
	}
	return defaultPool
}

// block returns the handle of block idx of res, registering it on first
// request. rect is the block's pixel extent, already clipped to the image.
func (p *Pool) block(res resource.Resource, idx image.Point, rect image.Rectangle) (*cache.Handle[pixel.Buffer], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks, ok := p.handles[res.ID()]
	if !ok {
		blocks = make(map[image.Point]*cache.Handle[pixel.Buffer])
		p.handles[res.ID()] = blocks
	}
	if h, ok := blocks[idx]; ok {
		return h, nil
	}

	f := res.Format().WithSize(rect.Dx(), rect.Dy())
	h, err := p.c.Insert(cache.NewGenerator(f.Bytes(), func() (pixel.Buffer, error) {
		buf := pixel.NewBuffer(f)
		if err := res.Read(buf, rect); err != nil {
			return pixel.Buffer{}, err
		}
		return buf, nil
	}))
	if err != nil {
		return nil, err
	}
	blocks[idx] = h
	return h, nil
}

// Invalidate drops every block of resource id. Later plans read afresh.
func (p *Pool) Invalidate(id uint64) {
	p.mu.Lock()
	blocks := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()

	for _, h := range blocks {
		h.Release()
	}
	if len(blocks) > 0 {
		p.log.Debug("raster: invalidated blocks", "resource", id, "blocks", len(blocks))
	}
}

// Stats reports the underlying cache counters.
func (p *Pool) Stats() cache.Stats { return p.c.Stats() }

// Capacity returns the byte budget.
func (p *Pool) Capacity() int64 { return p.c.Capacity() }

// Close drops all blocks. Rasters using the pool fail afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.handles = make(map[uint64]map[image.Point]*cache.Handle[pixel.Buffer])
	p.mu.Unlock()
	return p.c.Close()
}
