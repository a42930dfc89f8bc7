package raster

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rastercache/cache"
	"github.com/IvanBrykalov/rastercache/internal/util"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"

	// Backends reachable through DiskView and DiskCacheView.
	_ "github.com/IvanBrykalov/rastercache/resource/stdimage"
	_ "github.com/IvanBrykalov/rastercache/resource/tiled"
)

// BlockRaster is a lazy View over a resource. It only ever reads whole
// native blocks, caches them in a Pool and crops in memory.
type BlockRaster struct {
	res    resource.Resource
	cfg    rasterConfig
	format pixel.ImageFormat
	bs     image.Point
	owns   bool
	closed atomic.Bool
}

// NewBlockRaster wraps res. The caller keeps ownership of res and must not
// close it before the raster.
func NewBlockRaster(res resource.Resource, opts ...Option) *BlockRaster {
	return newBlockRaster(res, newRasterConfig(opts), false)
}

func newBlockRaster(res resource.Resource, cfg rasterConfig, owns bool) *BlockRaster {
	f := res.Format()
	bs := res.BlockSize()
	if bs.X <= 0 || bs.Y <= 0 {
		bs = image.Pt(max(f.Cols, 1), max(f.Rows, 1))
	}
	return &BlockRaster{res: res, cfg: cfg, format: f, bs: bs, owns: owns}
}

// DiskView opens name through the registry and wraps it in a BlockRaster
// that owns the resource.
func DiskView(name string, opts ...Option) (*BlockRaster, error) {
	cfg := newRasterConfig(opts)
	res, err := cfg.resources.Open(name)
	if err != nil {
		return nil, err
	}
	return newBlockRaster(res, cfg, true), nil
}

func (r *BlockRaster) Format() pixel.ImageFormat { return r.format }

// BlockSize is the fetch granularity.
func (r *BlockRaster) BlockSize() image.Point { return r.bs }

// Resource returns the wrapped resource.
func (r *BlockRaster) Resource() resource.Resource { return r.res }

// Plan lists the blocks covering bbox and registers their pool handles.
// No pixel I/O happens.
type Plan struct {
	bbox   image.Rectangle
	blocks []plannedBlock
}

type plannedBlock struct {
	idx  image.Point
	rect image.Rectangle
	h    *cache.Handle[pixel.Buffer]
}

// Bounds returns the planned region.
func (p *Plan) Bounds() image.Rectangle { return p.bbox }

// Blocks returns the number of native blocks the plan touches.
func (p *Plan) Blocks() int { return len(p.blocks) }

// Plan computes the blocks intersecting bbox.
func (r *BlockRaster) Plan(bbox image.Rectangle) (*Plan, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: raster over %s is closed", resource.ErrNotOpen, r.res.Name())
	}
	if err := checkBounds(r.format, bbox); err != nil {
		return nil, err
	}
	span := util.BlockSpan(bbox, r.bs)
	p := &Plan{bbox: bbox, blocks: make([]plannedBlock, 0, span.Dx()*span.Dy())}
	for by := span.Min.Y; by < span.Max.Y; by++ {
		for bx := span.Min.X; bx < span.Max.X; bx++ {
			idx := image.Pt(bx, by)
			rect := util.BlockRect(bx, by, r.bs, r.format.Bounds())
			h, err := r.cfg.pool.block(r.res, idx, rect)
			if err != nil {
				return nil, err
			}
			p.blocks = append(p.blocks, plannedBlock{idx: idx, rect: rect, h: h})
		}
	}
	return p, nil
}

// Materialize forces the plan's blocks and copies the cropped, converted
// pixels into dst, whose size must equal the plan bounds.
func (r *BlockRaster) Materialize(p *Plan, dst pixel.Buffer) error {
	if err := checkDst(r.format, dst, p.bbox); err != nil {
		return err
	}
	if len(p.blocks) == 1 || r.cfg.workers == 1 {
		for _, b := range p.blocks {
			if err := r.copyBlock(p.bbox, b, dst); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.workers)
	for _, b := range p.blocks {
		g.Go(func() error { return r.copyBlock(p.bbox, b, dst) })
	}
	return g.Wait()
}

func (r *BlockRaster) copyBlock(bbox image.Rectangle, b plannedBlock, dst pixel.Buffer) error {
	v, err := b.h.Value()
	if errors.Is(err, cache.ErrRemoved) && !r.closed.Load() {
		// Invalidated since planning (e.g. another raster over the same
		// resource closed); register again.
		var h *cache.Handle[pixel.Buffer]
		if h, err = r.cfg.pool.block(r.res, b.idx, b.rect); err == nil {
			v, err = h.Value()
		}
	}
	if err != nil {
		return fmt.Errorf("raster: block %v of %s: %w", b.idx, r.res.Name(), err)
	}
	inter := b.rect.Intersect(bbox)
	return pixel.Convert(
		dst.Sub(inter.Sub(bbox.Min)),
		v.Sub(inter.Sub(b.rect.Min)),
		r.cfg.rescale,
	)
}

// Rasterize is Plan followed by Materialize.
func (r *BlockRaster) Rasterize(dst pixel.Buffer, bbox image.Rectangle) error {
	p, err := r.Plan(bbox)
	if err != nil {
		return err
	}
	return r.Materialize(p, dst)
}

// Close drops the raster's blocks from the pool and, for rasters from
// DiskView, closes the resource.
func (r *BlockRaster) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cfg.pool.Invalidate(r.res.ID())
	if r.owns {
		return r.res.Close()
	}
	return nil
}
