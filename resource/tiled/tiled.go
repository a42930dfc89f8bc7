// Package tiled implements the native block-tiled raster format (.vwt).
//
// A .vwt file stores fixed-size blocks, each compressed independently, and
// a block index written by the finalize pass in Flush. The codec is not
// thread-safe: every call into it runs under the "tiled" family lock of the
// resource context, and open files live in the context's handle cache.
//
// Importing the package registers the backend:
//
//	import _ "github.com/IvanBrykalov/rastercache/resource/tiled"
package tiled

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/IvanBrykalov/rastercache/internal/util"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

const (
	// Name is the backend and family lock name.
	Name = "tiled"
	// Extension is the file suffix the backend claims.
	Extension = ".vwt"
	// DefaultBlockSize is used when Create gets a zero block size.
	DefaultBlockSize = 256
)

func init() {
	if err := resource.Register(Backend()); err != nil {
		panic(err)
	}
}

// Backend describes the tiled codec for a resource registry.
func Backend() resource.Backend {
	return resource.Backend{
		Name:       Name,
		Extensions: []string{Extension},
		HasSupport: func(name string) bool { return strings.EqualFold(filepath.Ext(name), Extension) },
		Open:       Open,
		Create:     Create,
	}
}

// -------------------- read side --------------------

// file is the native object kept in the handle cache.
type file struct {
	f   *os.File
	hdr *header
	idx []indexEntry
}

func (f *file) Close() error { return f.f.Close() }

func openFile(name string) (*file, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	idx, err := readIndex(f, st.Size(), hdr.numBlocks())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &file{f: f, hdr: hdr, idx: idx}, nil
}

// reader is a .vwt file bound for reading.
type reader struct {
	id     uint64
	name   string
	lock   *sync.Mutex
	log    *slog.Logger
	hdr    *header
	handle *resource.NativeHandle
	closed atomic.Bool
}

// Open binds an existing .vwt file for reading.
func Open(ctx *resource.Context, name string) (resource.Resource, error) {
	lock := ctx.FamilyLock(Name)
	lock.Lock()
	defer lock.Unlock()

	h, err := ctx.OpenHandle(name, func() (io.Closer, error) { return openFile(name) })
	if err != nil {
		return nil, err
	}
	r := &reader{id: resource.NextID(), name: name, lock: lock, log: ctx.Logger(), handle: h}
	if err := h.Use(func(obj io.Closer) error {
		r.hdr = obj.(*file).hdr
		return nil
	}); err != nil {
		h.Release()
		return nil, resource.IOError("open", name, err)
	}
	r.log.Debug("tiled: opened", "name", name, "format", r.hdr.format.String(),
		"block", r.hdr.blockSize, "compression", r.hdr.compression.String())
	return r, nil
}

func (r *reader) ID() uint64                { return r.id }
func (r *reader) Name() string              { return r.name }
func (r *reader) Format() pixel.ImageFormat { return r.hdr.format }
func (r *reader) BlockSize() image.Point    { return r.hdr.blockSize }
func (r *reader) HasNodataValue() bool      { return r.hdr.hasNodata }
func (r *reader) Flush() error              { return nil }

// Compression reports how the file's blocks are stored.
func (r *reader) Compression() Compression { return r.hdr.compression }

func (r *reader) Write(pixel.Buffer, image.Rectangle) error {
	return fmt.Errorf("%w: %s is open for reading", resource.ErrNotOpen, r.name)
}

func (r *reader) NodataValue() (float64, error) {
	if !r.hdr.hasNodata {
		return 0, fmt.Errorf("%w: %s", resource.ErrNoNodata, r.name)
	}
	return r.hdr.nodata, nil
}

// Metadata returns the create options stored in the file.
func (r *reader) Metadata() map[string]string {
	out := make(map[string]string, len(r.hdr.meta))
	for k, v := range r.hdr.meta {
		out[k] = v
	}
	return out
}

func (r *reader) Read(dst pixel.Buffer, bbox image.Rectangle) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: %s is closed", resource.ErrNotOpen, r.name)
	}
	if err := resource.CheckRegion(r.hdr.format, dst, bbox); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	return r.handle.Use(func(obj io.Closer) error {
		f := obj.(*file)
		grid := f.hdr.grid()
		span := util.BlockSpan(bbox, f.hdr.blockSize)
		var stored []byte
		for by := span.Min.Y; by < span.Max.Y; by++ {
			for bx := span.Min.X; bx < span.Max.X; bx++ {
				rect := util.BlockRect(bx, by, f.hdr.blockSize, f.hdr.format.Bounds())
				e := f.idx[by*grid.X+bx]

				blk := pixel.NewBuffer(f.hdr.format.WithSize(rect.Dx(), rect.Dy()))
				if int(e.rawLen) != len(blk.Data) {
					return resource.IOError("read", r.name, fmt.Errorf("%w: block (%d,%d) holds %d bytes, want %d",
						errCorrupt, bx, by, e.rawLen, len(blk.Data)))
				}
				if cap(stored) < int(e.storedLen) {
					stored = make([]byte, e.storedLen)
				}
				stored = stored[:e.storedLen]
				if _, err := f.f.ReadAt(stored, int64(e.offset)); err != nil {
					return resource.IOError("read", r.name, err)
				}
				if err := decompressBlock(blk.Data, stored, f.hdr.compression); err != nil {
					return resource.IOError("decode", r.name, err)
				}

				in := rect.Intersect(bbox)
				err := pixel.Convert(dst.Sub(in.Sub(bbox.Min)), blk.Sub(in.Sub(rect.Min)), false)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.handle.Release()
	return nil
}

// -------------------- write side --------------------

// stage is a partially written block.
type stage struct {
	buf     pixel.Buffer
	covered *roaring.Bitmap // pixel indices y*w+x written so far
}

// writer is a .vwt file bound for writing. Complete blocks are compressed
// and appended as soon as their last pixel arrives; Flush writes the index.
type writer struct {
	id   uint64
	name string
	lock *sync.Mutex
	log  *slog.Logger

	// ---- guarded by lock ----
	hdr           header
	f             *os.File // nil once flushed or closed
	headerWritten bool
	off           int64
	index         []indexEntry
	done          *roaring.Bitmap // committed block numbers
	stages        map[int]*stage
}

// Create binds name for writing. Recognized options: TILED, BLOCKXSIZE,
// BLOCKYSIZE, COMPRESS (NONE, LZ4, ZSTD, S2), INTERLEAVE (PIXEL only),
// NODATA. All options are stored as file metadata.
func Create(ctx *resource.Context, name string, f pixel.ImageFormat, blockSize image.Point, opts resource.Options) (resource.Resource, error) {
	comp := CompressionLZ4
	if v, ok := opts.Get(resource.OptCompress); ok {
		c, err := ParseCompression(v)
		if err != nil {
			return nil, err
		}
		comp = c
	}
	if v, ok := opts.Get(resource.OptInterleave); ok && !strings.EqualFold(v, "PIXEL") {
		return nil, fmt.Errorf("%w: INTERLEAVE=%s, only PIXEL is supported", resource.ErrInvalidOption, v)
	}

	if blockSize == (image.Point{}) {
		blockSize = image.Pt(DefaultBlockSize, DefaultBlockSize)
	}
	blockSize, err := resource.BlockSizeFromOptions(blockSize, opts)
	if err != nil {
		return nil, err
	}
	if opts.Bool(resource.OptTiled, true) {
		if err := resource.ValidateBlockSize(blockSize); err != nil {
			return nil, err
		}
	} else {
		blockSize = image.Pt(max(f.Cols, 1), max(f.Rows, 1))
	}

	nodata, hasNodata, err := opts.Float(resource.OptNodata)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(opts))
	for k, v := range opts {
		meta[k] = v
	}

	lock := ctx.FamilyLock(Name)
	lock.Lock()
	defer lock.Unlock()

	fh, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, resource.IOError("create", name, err)
	}
	w := &writer{
		id:   resource.NextID(),
		name: name,
		lock: lock,
		log:  ctx.Logger(),
		hdr: header{
			format:      f,
			compression: comp,
			blockSize:   blockSize,
			hasNodata:   hasNodata,
			nodata:      nodata,
			meta:        meta,
		},
		f:      fh,
		done:   roaring.New(),
		stages: make(map[int]*stage),
	}
	w.index = make([]indexEntry, w.hdr.numBlocks())
	w.log.Debug("tiled: created", "name", name, "format", f.String(), "block", blockSize, "compression", comp.String())
	return w, nil
}

func (w *writer) ID() uint64                { return w.id }
func (w *writer) Name() string              { return w.name }
func (w *writer) Format() pixel.ImageFormat { return w.hdr.format }
func (w *writer) HasNodataValue() bool      { return w.hdr.hasNodata }

func (w *writer) BlockSize() image.Point {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.hdr.blockSize
}

func (w *writer) NodataValue() (float64, error) {
	if !w.hdr.hasNodata {
		return 0, fmt.Errorf("%w: %s", resource.ErrNoNodata, w.name)
	}
	return w.hdr.nodata, nil
}

// Metadata returns the options that will be stored in the file.
func (w *writer) Metadata() map[string]string {
	out := make(map[string]string, len(w.hdr.meta))
	for k, v := range w.hdr.meta {
		out[k] = v
	}
	return out
}

func (w *writer) Read(pixel.Buffer, image.Rectangle) error {
	return fmt.Errorf("%w: %s is open for writing", resource.ErrNotOpen, w.name)
}

// SetBlockSize changes the tile size. Only allowed before the first write.
func (w *writer) SetBlockSize(bs image.Point) error {
	if err := resource.ValidateBlockSize(bs); err != nil {
		return err
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.f == nil {
		return fmt.Errorf("%w: %s", resource.ErrNotOpen, w.name)
	}
	if w.headerWritten {
		return fmt.Errorf("%w: block size of %s cannot change after writing", resource.ErrInvalidOption, w.name)
	}
	w.hdr.blockSize = bs
	w.index = make([]indexEntry, w.hdr.numBlocks())
	return nil
}

func (w *writer) Write(src pixel.Buffer, bbox image.Rectangle) error {
	if err := resource.CheckRegion(w.hdr.format, src, bbox); err != nil {
		return err
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.f == nil {
		return fmt.Errorf("%w: %s", resource.ErrNotOpen, w.name)
	}
	if err := w.writeHeaderLocked(); err != nil {
		return err
	}

	grid := w.hdr.grid()
	span := util.BlockSpan(bbox, w.hdr.blockSize)
	for by := span.Min.Y; by < span.Max.Y; by++ {
		for bx := span.Min.X; bx < span.Max.X; bx++ {
			bi := by*grid.X + bx
			rect := util.BlockRect(bx, by, w.hdr.blockSize, w.hdr.format.Bounds())
			st, err := w.stageLocked(bi, rect)
			if err != nil {
				return err
			}

			in := rect.Intersect(bbox)
			local := in.Sub(rect.Min)
			if err := pixel.Convert(st.buf.Sub(local), src.Sub(in.Sub(bbox.Min)), false); err != nil {
				return err
			}
			bw := uint64(rect.Dx())
			for y := local.Min.Y; y < local.Max.Y; y++ {
				st.covered.AddRange(uint64(y)*bw+uint64(local.Min.X), uint64(y)*bw+uint64(local.Max.X))
			}
			if st.covered.GetCardinality() == uint64(rect.Dx()*rect.Dy()) {
				if err := w.commitLocked(bi, st); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// stageLocked returns the staging buffer of block bi, loading the committed
// contents first when the block is being rewritten.
func (w *writer) stageLocked(bi int, rect image.Rectangle) (*stage, error) {
	if st, ok := w.stages[bi]; ok {
		return st, nil
	}
	st := &stage{
		buf:     pixel.NewBuffer(w.hdr.format.WithSize(rect.Dx(), rect.Dy())),
		covered: roaring.New(),
	}
	if w.done.Contains(uint32(bi)) {
		e := w.index[bi]
		stored := make([]byte, e.storedLen)
		if _, err := w.f.ReadAt(stored, int64(e.offset)); err != nil {
			return nil, resource.IOError("reread", w.name, err)
		}
		if err := decompressBlock(st.buf.Data, stored, w.hdr.compression); err != nil {
			return nil, resource.IOError("reread", w.name, err)
		}
		st.covered.AddRange(0, uint64(rect.Dx()*rect.Dy()))
		w.done.Remove(uint32(bi))
	}
	w.stages[bi] = st
	return st, nil
}

func (w *writer) commitLocked(bi int, st *stage) error {
	stored, err := compressBlock(st.buf.Data, w.hdr.compression)
	if err != nil {
		return resource.IOError("encode", w.name, err)
	}
	if _, err := w.f.WriteAt(stored, w.off); err != nil {
		return resource.IOError("write", w.name, err)
	}
	w.index[bi] = indexEntry{offset: uint64(w.off), storedLen: uint32(len(stored)), rawLen: uint32(len(st.buf.Data))}
	w.off += int64(len(stored))
	w.done.Add(uint32(bi))
	delete(w.stages, bi)
	return nil
}

func (w *writer) writeHeaderLocked() error {
	if w.headerWritten {
		return nil
	}
	n, err := w.hdr.writeTo(w.f)
	if err != nil {
		return resource.IOError("write header", w.name, err)
	}
	w.off = n
	w.headerWritten = true
	return nil
}

// Flush runs the finalize pass: it requires every block to be complete,
// writes the block index and closes the file.
func (w *writer) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.flushLocked()
}

func (w *writer) flushLocked() error {
	if w.f == nil {
		return fmt.Errorf("%w: %s", resource.ErrNotOpen, w.name)
	}
	if err := w.writeHeaderLocked(); err != nil {
		return err
	}
	total := w.hdr.numBlocks()
	if got := int(w.done.GetCardinality()); got != total {
		return fmt.Errorf("%w: %s has %d of %d blocks complete", resource.ErrPartialCoverage, w.name, got, total)
	}
	if _, err := w.f.WriteAt(encodeIndex(w.index, uint64(w.off)), w.off); err != nil {
		return resource.IOError("write index", w.name, err)
	}
	if err := w.f.Sync(); err != nil {
		return resource.IOError("sync", w.name, err)
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return resource.IOError("close", w.name, err)
	}
	w.log.Debug("tiled: finalized", "name", w.name, "blocks", total, "bytes", w.off)
	return nil
}

// Close flushes an unflushed writer. If the image is incomplete the file is
// closed anyway and ErrPartialCoverage is returned.
func (w *writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.flushLocked()
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	return err
}
