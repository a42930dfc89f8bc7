// Package stdimage adapts the standard image codecs (PNG, JPEG, GIF) and
// the x/image codecs (TIFF, BMP) to the resource contract.
//
// These formats are untiled: the block size is the whole image, the first
// read decodes the full file into memory, and the decoded image is the
// native handle kept in the context's handle cache. Writes go to an
// in-memory image that Flush encodes in one pass.
package stdimage

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder

	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

// Name is the backend and family lock name.
const Name = "stdimage"

// Extensions claimed by the backend.
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp"}

func init() {
	if err := resource.Register(Backend()); err != nil {
		panic(err)
	}
}

// Backend describes the standard codecs for a resource registry.
func Backend() resource.Backend {
	return resource.Backend{
		Name:       Name,
		Extensions: Extensions,
		HasSupport: func(name string) bool {
			_, err := imaging.FormatFromFilename(name)
			return err == nil
		},
		Open:   Open,
		Create: Create,
	}
}

// formatFromModel derives the exposed layout from a decoder's color model.
func formatFromModel(m color.Model) (pixel.PixelFormat, pixel.ChannelType) {
	if _, ok := m.(color.Palette); ok {
		return pixel.RGBA, pixel.Uint8
	}
	switch m {
	case color.GrayModel:
		return pixel.Gray, pixel.Uint8
	case color.Gray16Model:
		return pixel.Gray, pixel.Uint16
	case color.NRGBAModel, color.AlphaModel:
		return pixel.RGBA, pixel.Uint8
	case color.NRGBA64Model, color.Alpha16Model:
		return pixel.RGBA, pixel.Uint16
	case color.RGBA64Model:
		return pixel.RGB, pixel.Uint16
	default:
		// RGBA (opaque truecolor), YCbCr, CMYK.
		return pixel.RGB, pixel.Uint8
	}
}

// -------------------- read side --------------------

// decoded is the native object: the whole image in memory.
type decoded struct {
	buf pixel.Buffer
}

func (d *decoded) Close() error {
	d.buf = pixel.Buffer{}
	return nil
}

func decodeFile(name string) (*decoded, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		return nil, err
	}
	return &decoded{buf: pixel.FromImage(img)}, nil
}

type reader struct {
	id     uint64
	name   string
	format pixel.ImageFormat
	lock   *sync.Mutex
	handle *resource.NativeHandle
	closed atomic.Bool
}

// Open reads the image header and binds name for reading. Pixel data is
// decoded on first Read.
func Open(ctx *resource.Context, name string) (resource.Resource, error) {
	lock := ctx.FamilyLock(Name)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(name)
	if err != nil {
		return nil, resource.IOError("open", name, err)
	}
	cfg, kind, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", resource.ErrUnsupportedFormat, name, err)
	}
	pf, ct := formatFromModel(cfg.ColorModel)

	h, err := ctx.OpenHandle(name, func() (io.Closer, error) { return decodeFile(name) })
	if err != nil {
		return nil, err
	}
	r := &reader{
		id:     resource.NextID(),
		name:   name,
		format: pixel.ImageFormat{Cols: cfg.Width, Rows: cfg.Height, Planes: 1, PixelFormat: pf, ChannelType: ct},
		lock:   lock,
		handle: h,
	}
	ctx.Logger().Debug("stdimage: opened", "name", name, "codec", kind, "format", r.format.String())
	return r, nil
}

func (r *reader) ID() uint64                { return r.id }
func (r *reader) Name() string              { return r.name }
func (r *reader) Format() pixel.ImageFormat { return r.format }
func (r *reader) BlockSize() image.Point    { return image.Pt(r.format.Cols, r.format.Rows) }
func (r *reader) HasNodataValue() bool      { return false }
func (r *reader) Flush() error              { return nil }

func (r *reader) NodataValue() (float64, error) {
	return 0, fmt.Errorf("%w: %s", resource.ErrNoNodata, r.name)
}

func (r *reader) Write(pixel.Buffer, image.Rectangle) error {
	return fmt.Errorf("%w: %s is open for reading", resource.ErrNotOpen, r.name)
}

func (r *reader) Read(dst pixel.Buffer, bbox image.Rectangle) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: %s is closed", resource.ErrNotOpen, r.name)
	}
	if err := resource.CheckRegion(r.format, dst, bbox); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	err := r.handle.Use(func(obj io.Closer) error {
		d := obj.(*decoded)
		if d.buf.Format.Cols != r.format.Cols || d.buf.Format.Rows != r.format.Rows {
			return fmt.Errorf("decoded %s, header said %s", d.buf.Format, r.format)
		}
		return pixel.Convert(dst, d.buf.Sub(bbox), false)
	})
	if err != nil {
		return resource.IOError("read", r.name, err)
	}
	return nil
}

func (r *reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.handle.Release()
	return nil
}

// -------------------- write side --------------------

type writer struct {
	id     uint64
	name   string
	format pixel.ImageFormat
	codec  imaging.Format
	opts   []imaging.EncodeOption
	lock   *sync.Mutex
	log    *slog.Logger

	// ---- guarded by lock ----
	buf     pixel.Buffer
	covered *roaring.Bitmap // pixel indices y*cols+x
	open    bool
}

// Create binds name for writing. The codec follows the file extension;
// QUALITY sets the JPEG quality (1-100). Images must have a single plane of
// 8-bit samples, or 16-bit samples for PNG and TIFF. GrayA is stored as RGBA
// with the gray replicated.
func Create(ctx *resource.Context, name string, f pixel.ImageFormat, _ image.Point, opts resource.Options) (resource.Resource, error) {
	codec, err := imaging.FormatFromFilename(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", resource.ErrUnsupportedFormat, name, err)
	}
	if f.Planes != 1 {
		return nil, fmt.Errorf("%w: %s cannot store %d planes", resource.ErrInvalidOption, filepath.Ext(name), f.Planes)
	}
	if err := pixel.CheckImage(f); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if f.ChannelType != pixel.Uint8 && codec != imaging.PNG && codec != imaging.TIFF {
		return nil, fmt.Errorf("%w: %s stores 8-bit samples only, got %s", pixel.ErrUnsupportedConversion, codec, f.ChannelType)
	}
	var enc []imaging.EncodeOption
	if q, ok, err := opts.Int(resource.OptQuality); err != nil {
		return nil, err
	} else if ok {
		if q < 1 || q > 100 {
			return nil, fmt.Errorf("%w: QUALITY=%d, want 1-100", resource.ErrInvalidOption, q)
		}
		enc = append(enc, imaging.JPEGQuality(q))
	}
	if v, ok := opts.Get(resource.OptNodata); ok {
		ctx.Logger().Warn("stdimage: NODATA is not stored", "name", name, "nodata", v)
	}

	w := &writer{
		id:      resource.NextID(),
		name:    name,
		format:  f,
		codec:   codec,
		opts:    enc,
		lock:    ctx.FamilyLock(Name),
		log:     ctx.Logger(),
		buf:     pixel.NewBuffer(f),
		covered: roaring.New(),
		open:    true,
	}
	w.log.Debug("stdimage: created", "name", name, "codec", codec.String(), "format", f.String())
	return w, nil
}

func (w *writer) ID() uint64                { return w.id }
func (w *writer) Name() string              { return w.name }
func (w *writer) Format() pixel.ImageFormat { return w.format }
func (w *writer) BlockSize() image.Point    { return image.Pt(w.format.Cols, w.format.Rows) }
func (w *writer) HasNodataValue() bool      { return false }

func (w *writer) NodataValue() (float64, error) {
	return 0, fmt.Errorf("%w: %s", resource.ErrNoNodata, w.name)
}

func (w *writer) Read(pixel.Buffer, image.Rectangle) error {
	return fmt.Errorf("%w: %s is open for writing", resource.ErrNotOpen, w.name)
}

func (w *writer) Write(src pixel.Buffer, bbox image.Rectangle) error {
	if err := resource.CheckRegion(w.format, src, bbox); err != nil {
		return err
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if !w.open {
		return fmt.Errorf("%w: %s", resource.ErrNotOpen, w.name)
	}
	if err := pixel.Convert(w.buf.Sub(bbox), src, false); err != nil {
		return err
	}
	cols := uint64(w.format.Cols)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		w.covered.AddRange(uint64(y)*cols+uint64(bbox.Min.X), uint64(y)*cols+uint64(bbox.Max.X))
	}
	return nil
}

// Flush encodes the whole image. Every pixel must have been written.
func (w *writer) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.flushLocked()
}

func (w *writer) flushLocked() error {
	if !w.open {
		return fmt.Errorf("%w: %s", resource.ErrNotOpen, w.name)
	}
	total := uint64(w.format.Cols) * uint64(w.format.Rows)
	if got := w.covered.GetCardinality(); got != total {
		return fmt.Errorf("%w: %s has %d of %d pixels", resource.ErrPartialCoverage, w.name, got, total)
	}
	img, err := pixel.ToImage(w.buf)
	if err != nil {
		return err
	}
	f, err := os.Create(w.name)
	if err != nil {
		return resource.IOError("create", w.name, err)
	}
	if err := imaging.Encode(f, img, w.codec, w.opts...); err != nil {
		_ = f.Close()
		return resource.IOError("encode", w.name, err)
	}
	if err := f.Close(); err != nil {
		return resource.IOError("close", w.name, err)
	}
	w.open = false
	w.buf = pixel.Buffer{}
	w.log.Debug("stdimage: encoded", "name", w.name, "codec", w.codec.String())
	return nil
}

// Close flushes an unflushed writer; an incomplete image is discarded and
// ErrPartialCoverage is returned.
func (w *writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if !w.open {
		return nil
	}
	err := w.flushLocked()
	w.open = false
	w.buf = pixel.Buffer{}
	return err
}

