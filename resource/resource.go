// Package resource defines the contract every image codec backend
// implements, the backend registry, and the process-wide context that
// bounds open native handles and serializes non-thread-safe codecs.
package resource

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/IvanBrykalov/rastercache/pixel"
)

var (
	// ErrIO wraps OS and codec failures.
	ErrIO = errors.New("resource: i/o error")
	// ErrUnsupportedFormat is returned when no registered backend handles a file.
	ErrUnsupportedFormat = errors.New("resource: unsupported format")
	// ErrReadOnlyBackend is returned when backends recognize a file type but
	// none of them can create it.
	ErrReadOnlyBackend = errors.New("resource: backend cannot create files")
	// ErrNotOpen is returned for operations the resource is not bound for:
	// reading a write handle, writing a read handle, any use after Close.
	ErrNotOpen = errors.New("resource: not open for this operation")
	// ErrPartialCoverage is returned by Flush when some pixels were never written.
	ErrPartialCoverage = errors.New("resource: flush with incomplete coverage")
	// ErrInvalidOption is returned for malformed create options.
	ErrInvalidOption = errors.New("resource: invalid option")
	// ErrInvalidBlockSize is returned when block dimensions are not multiples of 16.
	ErrInvalidBlockSize = errors.New("resource: invalid block size")
	// ErrNoNodata is returned by NodataValue when the resource has none.
	ErrNoNodata = errors.New("resource: no nodata value")
)

// BlockAlign is the granularity block dimensions must respect.
const BlockAlign = 16

// Resource is one open image file bound either for reading or for writing.
//
// Implementations are safe for concurrent use; backends whose codec is not
// thread-safe serialize every call through their family lock.
type Resource interface {
	// ID is unique per process and never reused. It keys cached blocks.
	ID() uint64
	Name() string
	Format() pixel.ImageFormat
	// BlockSize is the native tile size; untiled files report the whole image.
	BlockSize() image.Point
	// Read fills dst with exactly the pixels of bbox. dst must have bbox's
	// size; its pixel format and channel type may differ from Format().
	Read(dst pixel.Buffer, bbox image.Rectangle) error
	// Write stores src at bbox. Data may be buffered until Flush.
	Write(src pixel.Buffer, bbox image.Rectangle) error
	// Flush commits pending writes and finalizes the file.
	Flush() error
	HasNodataValue() bool
	NodataValue() (float64, error)
	Close() error
}

// MetadataReader is implemented by resources that keep string metadata.
type MetadataReader interface {
	Metadata() map[string]string
}

// BlockSizer is implemented by write resources whose block size may change
// before the first write.
type BlockSizer interface {
	SetBlockSize(image.Point) error
}

var lastID atomic.Uint64

// NextID returns a fresh resource id.
func NextID() uint64 { return lastID.Add(1) }

// Create option keys understood by the bundled backends.
const (
	OptTiled       = "TILED"
	OptBlockXSize  = "BLOCKXSIZE"
	OptBlockYSize  = "BLOCKYSIZE"
	OptCompress    = "COMPRESS"
	OptInterleave  = "INTERLEAVE"
	OptAlpha       = "ALPHA"
	OptPhotometric = "PHOTOMETRIC"
	OptNodata      = "NODATA"
	OptQuality     = "QUALITY"
)

// Options are string-keyed create hints. Keys are case-insensitive and
// stored upper-case; unknown keys are passed through to the backend.
type Options map[string]string

// Set stores v under the upper-cased key.
func (o Options) Set(k, v string) { o[strings.ToUpper(k)] = v }

// Get returns the value for k, if any.
func (o Options) Get(k string) (string, bool) {
	v, ok := o[strings.ToUpper(k)]
	return v, ok
}

// Bool reports whether k is set to a true-ish value (YES, TRUE, ON, 1).
func (o Options) Bool(k string, def bool) bool {
	v, ok := o.Get(k)
	if !ok {
		return def
	}
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "YES", "TRUE", "ON", "1":
		return true
	case "NO", "FALSE", "OFF", "0":
		return false
	}
	return def
}

// Int parses k as an integer.
func (o Options) Int(k string) (int, bool, error) {
	v, ok := o.Get(k)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q", ErrInvalidOption, k, v)
	}
	return n, true, nil
}

// Float parses k as a float.
func (o Options) Float(k string) (float64, bool, error) {
	v, ok := o.Get(k)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q", ErrInvalidOption, k, v)
	}
	return f, true, nil
}

// Clone returns a normalized copy of o.
func (o Options) Clone() Options {
	c := make(Options, len(o))
	for k, v := range o {
		c.Set(k, v)
	}
	return c
}

// ValidateBlockSize checks that both block dimensions are positive
// multiples of BlockAlign.
func ValidateBlockSize(bs image.Point) error {
	if bs.X <= 0 || bs.Y <= 0 || bs.X%BlockAlign != 0 || bs.Y%BlockAlign != 0 {
		return fmt.Errorf("%w: %dx%d, block dimensions must be positive multiples of %d",
			ErrInvalidBlockSize, bs.X, bs.Y, BlockAlign)
	}
	return nil
}

// BlockSizeFromOptions applies BLOCKXSIZE/BLOCKYSIZE to bs.
func BlockSizeFromOptions(bs image.Point, opts Options) (image.Point, error) {
	if x, ok, err := opts.Int(OptBlockXSize); err != nil {
		return bs, err
	} else if ok {
		bs.X = x
	}
	if y, ok, err := opts.Int(OptBlockYSize); err != nil {
		return bs, err
	} else if ok {
		bs.Y = y
	}
	return bs, nil
}

// CheckRegion validates the buffer and bbox of a Read or Write request
// against the resource extent.
func CheckRegion(f pixel.ImageFormat, buf pixel.Buffer, bbox image.Rectangle) error {
	if bbox.Empty() || !bbox.In(f.Bounds()) {
		return fmt.Errorf("%w: bbox %v outside image %v", ErrInvalidOption, bbox, f.Bounds())
	}
	if buf.Format.Cols != bbox.Dx() || buf.Format.Rows != bbox.Dy() || buf.Format.Planes != f.Planes {
		return fmt.Errorf("%w: buffer %s does not match bbox %v", ErrInvalidOption, buf.Format, bbox)
	}
	return nil
}

// IOError wraps err as ErrIO for operation op on name.
func IOError(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, name, err)
}
