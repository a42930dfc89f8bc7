package raster

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/rastercache/internal/util"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

// TempPrefix starts the name of every DiskCacheView backing file.
const TempPrefix = "vw_cache_"

// diskFile is a materialized backing file shared by every accessor that
// was cloned from the same view. The file is deleted when the last
// reference is released.
type diskFile struct {
	name   string
	raster *BlockRaster
	log    *slog.Logger
	refs   atomic.Int64
}

func (d *diskFile) acquire() *diskFile {
	d.refs.Add(1)
	return d
}

func (d *diskFile) release() error {
	if d.refs.Add(-1) != 0 {
		return nil
	}
	err := d.raster.Close()
	if rmErr := os.Remove(d.name); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	d.log.Debug("raster: deleted disk cache", "name", d.name)
	return err
}

// DiskCacheView evaluates an upstream View once, writes the result to a
// private temporary file and serves it lazily through a BlockRaster.
//
// Each DiskCacheView value is one accessor; Clone adds another accessor of
// the same backing file. Methods of a single accessor are safe for
// concurrent use.
type DiskCacheView struct {
	cfg diskConfig

	mu   sync.RWMutex
	disk *diskFile
}

// NewDiskCacheView materializes src. It blocks until every block has been
// evaluated, written and flushed.
func NewDiskCacheView(src View, opts ...DiskCacheOption) (*DiskCacheView, error) {
	cfg := newDiskConfig(opts)
	d, err := materialize(src, cfg)
	if err != nil {
		return nil, err
	}
	return &DiskCacheView{cfg: cfg, disk: d}, nil
}

// Format returns the stored format.
func (v *DiskCacheView) Format() pixel.ImageFormat {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disk == nil {
		return pixel.ImageFormat{}
	}
	return v.disk.raster.Format()
}

// Name returns the backing file path, or "" once closed.
func (v *DiskCacheView) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disk == nil {
		return ""
	}
	return v.disk.name
}

// Rasterize reads bbox from the backing file.
func (v *DiskCacheView) Rasterize(dst pixel.Buffer, bbox image.Rectangle) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disk == nil {
		return fmt.Errorf("%w: disk cache view is closed", resource.ErrNotOpen)
	}
	return v.disk.raster.Rasterize(dst, bbox)
}

// Clone returns another accessor sharing the backing file.
func (v *DiskCacheView) Clone() *DiskCacheView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := &DiskCacheView{cfg: v.cfg}
	if v.disk != nil {
		c.disk = v.disk.acquire()
	}
	return c
}

// Assign materializes src into a new backing file for this accessor.
// Other clones keep the previous file; its blocks are dropped and the file
// deleted when its last accessor lets go.
func (v *DiskCacheView) Assign(src View) error {
	d, err := materialize(src, v.cfg)
	if err != nil {
		return err
	}
	v.mu.Lock()
	old := v.disk
	v.disk = d
	v.mu.Unlock()
	if old != nil {
		return old.release()
	}
	return nil
}

// Close releases this accessor's reference. Closing twice is a no-op.
func (v *DiskCacheView) Close() error {
	v.mu.Lock()
	d := v.disk
	v.disk = nil
	v.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.release()
}

func materialize(src View, cfg diskConfig) (_ *diskFile, err error) {
	rcfg := newRasterConfig(cfg.raster)
	log := rcfg.log

	srcF := src.Format()
	f := srcF
	if cfg.convert {
		f.PixelFormat = cfg.pixelFormat
		f.ChannelType = cfg.channelType
	}
	dir := cfg.dir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, TempPrefix+uuid.NewString()+"."+strings.TrimPrefix(cfg.fileType, "."))

	log.Info("raster: creating disk cache of image",
		"name", name, "format", f.String(), "size", humanize.IBytes(uint64(f.Bytes())))

	w, err := rcfg.resources.Create(name, f, cfg.blockSize, cfg.createOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = w.Close()
			_ = os.Remove(name)
		}
	}()

	if err = writeBlocks(src, srcF, w, cfg, rcfg.workers); err != nil {
		return nil, err
	}
	if err = w.Flush(); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}

	res, err := rcfg.resources.Open(name)
	if err != nil {
		return nil, err
	}
	d := &diskFile{name: name, raster: newBlockRaster(res, rcfg, true), log: log}
	d.refs.Store(1)
	return d, nil
}

// writeBlocks evaluates src block by block in parallel and writes each
// block to w.
func writeBlocks(src View, srcF pixel.ImageFormat, w resource.Resource, cfg diskConfig, workers int) error {
	f := w.Format()
	bs := w.BlockSize()
	span := util.BlockSpan(f.Bounds(), bs)
	total := span.Dx() * span.Dy()

	var limiter *rate.Limiter
	if cfg.rateLimit > 0 {
		burst := int(f.WithSize(min(bs.X, f.Cols), min(bs.Y, f.Rows)).Bytes())
		limiter = rate.NewLimiter(rate.Limit(cfg.rateLimit), max(burst, int(cfg.rateLimit)))
	}

	var done atomic.Int64
	g, ctx := errgroup.WithContext(cfg.ctx)
	g.SetLimit(workers)
	for by := span.Min.Y; by < span.Max.Y; by++ {
		for bx := span.Min.X; bx < span.Max.X; bx++ {
			rect := util.BlockRect(bx, by, bs, f.Bounds())
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				in := pixel.NewBuffer(srcF.WithSize(rect.Dx(), rect.Dy()))
				if err := src.Rasterize(in, rect); err != nil {
					return err
				}
				out := in
				if cfg.convert {
					out = pixel.NewBuffer(f.WithSize(rect.Dx(), rect.Dy()))
					if err := pixel.Convert(out, in, true); err != nil {
						return err
					}
				}
				if limiter != nil {
					if err := limiter.WaitN(ctx, int(out.Format.Bytes())); err != nil {
						return err
					}
				}
				if err := w.Write(out, rect); err != nil {
					return err
				}
				if n := done.Add(1); cfg.progress != nil {
					cfg.progress(int(n), total)
				}
				return nil
			})
		}
	}
	return g.Wait()
}
