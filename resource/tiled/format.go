package tiled

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sort"

	"github.com/IvanBrykalov/rastercache/pixel"
)

// File layout (little-endian):
//
//	header   magic "VWT1", version u16, cols u32, rows u32, planes u32,
//	         pixel format u8, channel type u8, compression u8, flags u8,
//	         block w u32, block h u32, nodata f64,
//	         metadata count u32, then per item: key len u16, key, value len u32, value
//	blocks   stored block bytes, appended in commit order
//	index    per block in row-major order: offset u64, stored len u32, raw len u32
//	trailer  index offset u64, magic "VWTI"
//
// A block holds its clipped pixels, planes one after another, rows packed.
const (
	headerMagic  = "VWT1"
	trailerMagic = "VWTI"
	version      = 1

	trailerSize    = 12
	indexEntrySize = 16

	flagNodata = 1 << 0
)

var errCorrupt = errors.New("tiled: corrupt file")

type header struct {
	format      pixel.ImageFormat
	compression Compression
	blockSize   image.Point
	hasNodata   bool
	nodata      float64
	meta        map[string]string
}

type indexEntry struct {
	offset    uint64
	storedLen uint32
	rawLen    uint32
}

// grid returns the block grid dimensions.
func (h *header) grid() image.Point {
	return image.Pt(
		(h.format.Cols+h.blockSize.X-1)/h.blockSize.X,
		(h.format.Rows+h.blockSize.Y-1)/h.blockSize.Y,
	)
}

func (h *header) numBlocks() int {
	g := h.grid()
	return g.X * g.Y
}

func (h *header) writeTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countWriter{w: bw}
	le := binary.LittleEndian

	var flags uint8
	if h.hasNodata {
		flags |= flagNodata
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, headerMagic...)
	buf = le.AppendUint16(buf, version)
	buf = le.AppendUint32(buf, uint32(h.format.Cols))
	buf = le.AppendUint32(buf, uint32(h.format.Rows))
	buf = le.AppendUint32(buf, uint32(h.format.Planes))
	buf = append(buf, byte(h.format.PixelFormat), byte(h.format.ChannelType), byte(h.compression), flags)
	buf = le.AppendUint32(buf, uint32(h.blockSize.X))
	buf = le.AppendUint32(buf, uint32(h.blockSize.Y))
	buf = le.AppendUint64(buf, math.Float64bits(h.nodata))

	keys := make([]string, 0, len(h.meta))
	for k := range h.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = le.AppendUint32(buf, uint32(len(keys)))
	if _, err := cw.Write(buf); err != nil {
		return cw.n, err
	}
	for _, k := range keys {
		v := h.meta[k]
		item := le.AppendUint16(nil, uint16(len(k)))
		item = append(item, k...)
		item = le.AppendUint32(item, uint32(len(v)))
		item = append(item, v...)
		if _, err := cw.Write(item); err != nil {
			return cw.n, err
		}
	}
	return cw.n, bw.Flush()
}

func readHeader(r io.Reader) (*header, error) {
	le := binary.LittleEndian
	fixed := make([]byte, 4+2+4*3+4+4*2+8+4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	if string(fixed[:4]) != headerMagic {
		return nil, fmt.Errorf("%w: bad magic %q", errCorrupt, fixed[:4])
	}
	if v := le.Uint16(fixed[4:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, v)
	}
	p := fixed[6:]
	h := &header{meta: map[string]string{}}
	h.format.Cols = int(le.Uint32(p[0:]))
	h.format.Rows = int(le.Uint32(p[4:]))
	h.format.Planes = int(le.Uint32(p[8:]))
	h.format.PixelFormat = pixel.PixelFormat(p[12])
	h.format.ChannelType = pixel.ChannelType(p[13])
	h.compression = Compression(p[14])
	h.hasNodata = p[15]&flagNodata != 0
	h.blockSize = image.Pt(int(le.Uint32(p[16:])), int(le.Uint32(p[20:])))
	h.nodata = math.Float64frombits(le.Uint64(p[24:]))
	n := le.Uint32(p[32:])

	if h.blockSize.X <= 0 || h.blockSize.Y <= 0 || h.format.Planes <= 0 || h.format.ChannelType.Size() == 0 {
		return nil, fmt.Errorf("%w: header %s block %v", errCorrupt, h.format, h.blockSize)
	}

	var lens [4]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, lens[:2]); err != nil {
			return nil, err
		}
		k := make([]byte, le.Uint16(lens[:2]))
		if _, err := io.ReadFull(r, k); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, lens[:4]); err != nil {
			return nil, err
		}
		v := make([]byte, le.Uint32(lens[:4]))
		if _, err := io.ReadFull(r, v); err != nil {
			return nil, err
		}
		h.meta[string(k)] = string(v)
	}
	return h, nil
}

func encodeIndex(idx []indexEntry, indexOffset uint64) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 0, len(idx)*indexEntrySize+trailerSize)
	for _, e := range idx {
		buf = le.AppendUint64(buf, e.offset)
		buf = le.AppendUint32(buf, e.storedLen)
		buf = le.AppendUint32(buf, e.rawLen)
	}
	buf = le.AppendUint64(buf, indexOffset)
	return append(buf, trailerMagic...)
}

// readIndex loads the block index through the trailer at the end of r.
func readIndex(r io.ReaderAt, size int64, blocks int) ([]indexEntry, error) {
	le := binary.LittleEndian
	if size < trailerSize {
		return nil, fmt.Errorf("%w: file too short", errCorrupt)
	}
	var tr [trailerSize]byte
	if _, err := r.ReadAt(tr[:], size-trailerSize); err != nil {
		return nil, err
	}
	if string(tr[8:]) != trailerMagic {
		return nil, fmt.Errorf("%w: missing index (file not finalized)", errCorrupt)
	}
	off := int64(le.Uint64(tr[:8]))
	if off < 0 || off+int64(blocks)*indexEntrySize != size-trailerSize {
		return nil, fmt.Errorf("%w: index offset %d", errCorrupt, off)
	}
	raw := make([]byte, blocks*indexEntrySize)
	if _, err := r.ReadAt(raw, off); err != nil {
		return nil, err
	}
	idx := make([]indexEntry, blocks)
	for i := range idx {
		b := raw[i*indexEntrySize:]
		idx[i] = indexEntry{offset: le.Uint64(b), storedLen: le.Uint32(b[8:]), rawLen: le.Uint32(b[12:])}
	}
	return idx, nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
