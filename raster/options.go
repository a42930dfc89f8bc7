package raster

import (
	"context"
	"image"
	"log/slog"

	"github.com/IvanBrykalov/rastercache/internal/util"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

// Option configures a BlockRaster.
type Option func(*rasterConfig)

type rasterConfig struct {
	pool      *Pool
	resources *resource.Context
	log       *slog.Logger
	workers   int
	rescale   bool
}

func newRasterConfig(opts []Option) rasterConfig {
	cfg := rasterConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.pool == nil {
		cfg.pool = DefaultPool()
	}
	if cfg.resources == nil {
		cfg.resources = resource.Default()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.workers <= 0 {
		cfg.workers = util.ReasonableWorkers()
	}
	return cfg
}

// WithPool caches blocks in p instead of DefaultPool.
func WithPool(p *Pool) Option { return func(c *rasterConfig) { c.pool = p } }

// WithResources opens files through rc instead of resource.Default.
func WithResources(rc *resource.Context) Option {
	return func(c *rasterConfig) { c.resources = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *rasterConfig) { c.log = l } }

// WithWorkers bounds how many blocks one Materialize call forces at once.
// 1 means sequential.
func WithWorkers(n int) Option { return func(c *rasterConfig) { c.workers = n } }

// WithRescale makes Materialize rescale samples by channel range when the
// destination channel type differs. The default casts with clamping.
func WithRescale(on bool) Option { return func(c *rasterConfig) { c.rescale = on } }

// DiskCacheOption configures a DiskCacheView.
type DiskCacheOption func(*diskConfig)

type diskConfig struct {
	ctx        context.Context
	dir        string
	fileType   string
	blockSize  image.Point
	createOpts resource.Options

	convert     bool
	pixelFormat pixel.PixelFormat
	channelType pixel.ChannelType

	progress  func(done, total int)
	rateLimit float64
	raster    []Option
}

// DefaultFileType is the extension of DiskCacheView backing files.
const DefaultFileType = "vwt"

func newDiskConfig(opts []DiskCacheOption) diskConfig {
	cfg := diskConfig{fileType: DefaultFileType}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ctx == nil {
		cfg.ctx = context.Background()
	}
	return cfg
}

// WithDir places backing files in dir. Default: os.TempDir().
func WithDir(dir string) DiskCacheOption { return func(c *diskConfig) { c.dir = dir } }

// WithFileType selects the backing format by extension, e.g. "png".
func WithFileType(ext string) DiskCacheOption {
	return func(c *diskConfig) { c.fileType = ext }
}

// WithBlockSize requests a backing block size. Backends that are untiled
// ignore it.
func WithBlockSize(bs image.Point) DiskCacheOption {
	return func(c *diskConfig) { c.blockSize = bs }
}

// WithCreateOptions passes backend create options, e.g. COMPRESS=ZSTD.
func WithCreateOptions(o resource.Options) DiskCacheOption {
	return func(c *diskConfig) { c.createOpts = o.Clone() }
}

// WithFormat stores the image as pf/ct, converting upstream pixels with
// rescaling by channel range.
func WithFormat(pf pixel.PixelFormat, ct pixel.ChannelType) DiskCacheOption {
	return func(c *diskConfig) {
		c.convert = true
		c.pixelFormat = pf
		c.channelType = ct
	}
}

// WithProgress reports written blocks. fn is called from worker goroutines.
func WithProgress(fn func(done, total int)) DiskCacheOption {
	return func(c *diskConfig) { c.progress = fn }
}

// WithRateLimit caps materialization throughput in bytes per second.
func WithRateLimit(bytesPerSec float64) DiskCacheOption {
	return func(c *diskConfig) { c.rateLimit = bytesPerSec }
}

// WithContext bounds materialization; a cancelled ctx stops scheduling
// further blocks.
func WithContext(ctx context.Context) DiskCacheOption {
	return func(c *diskConfig) { c.ctx = ctx }
}

// WithRasterOptions configures the BlockRaster over the backing file and
// the evaluation of the upstream view (pool, resources, workers, logger).
func WithRasterOptions(opts ...Option) DiskCacheOption {
	return func(c *diskConfig) { c.raster = append(c.raster, opts...) }
}
