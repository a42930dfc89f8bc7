package pixel

import (
	"encoding/binary"
	"image"
	"math"
)

// Buffer is a view of raw pixel samples with arbitrary byte strides.
// Channels of one pixel are always adjacent; samples are little-endian.
// Pixel (x, y) of plane p starts at
//
//	p*PlaneStride + y*RowStride + x*ColStride
type Buffer struct {
	Data   []byte
	Format ImageFormat

	ColStride   int
	RowStride   int
	PlaneStride int
}

// NewBuffer allocates a contiguous, pixel-interleaved buffer for f.
func NewBuffer(f ImageFormat) Buffer {
	b := Buffer{Format: f}
	b.ColStride = f.PixelBytes()
	b.RowStride = b.ColStride * f.Cols
	b.PlaneStride = b.RowStride * f.Rows
	b.Data = make([]byte, b.PlaneStride*f.Planes)
	return b
}

// Bounds returns the buffer extent with the origin at (0,0).
func (b Buffer) Bounds() image.Rectangle { return b.Format.Bounds() }

// Offset returns the byte offset of pixel (x, y) in plane p.
func (b Buffer) Offset(x, y, p int) int {
	return p*b.PlaneStride + y*b.RowStride + x*b.ColStride
}

// Sub returns a view of r (relative to the buffer origin) sharing b's memory.
// r must lie inside b.Bounds().
func (b Buffer) Sub(r image.Rectangle) Buffer {
	s := b
	s.Format = b.Format.WithSize(r.Dx(), r.Dy())
	if r.Empty() {
		s.Data = nil
		return s
	}
	s.Data = b.Data[b.Offset(r.Min.X, r.Min.Y, 0):]
	return s
}

// Contiguous reports whether rows are tightly packed with no padding.
func (b Buffer) Contiguous() bool {
	f := b.Format
	return b.ColStride == f.PixelBytes() &&
		b.RowStride == b.ColStride*f.Cols &&
		(f.Planes <= 1 || b.PlaneStride == b.RowStride*f.Rows)
}

// At returns channel c of pixel (x, y) in plane p as float64.
func (b Buffer) At(x, y, p, c int) float64 {
	off := b.Offset(x, y, p) + c*b.Format.ChannelType.Size()
	return readSample(b.Data[off:], b.Format.ChannelType)
}

// Set stores v (converted with rounding and clamping) into channel c of
// pixel (x, y) in plane p.
func (b Buffer) Set(x, y, p, c int, v float64) {
	off := b.Offset(x, y, p) + c*b.Format.ChannelType.Size()
	writeSample(b.Data[off:], b.Format.ChannelType, v)
}

// Fill sets every channel of every pixel to v.
func (b Buffer) Fill(v float64) {
	f := b.Format
	for p := 0; p < f.Planes; p++ {
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				for c := 0; c < f.Channels(); c++ {
					b.Set(x, y, p, c, v)
				}
			}
		}
	}
}

func readSample(d []byte, t ChannelType) float64 {
	switch t {
	case Uint8:
		return float64(d[0])
	case Int8:
		return float64(int8(d[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(d))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(d)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(d))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(d)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(d)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(d))
	}
	return 0
}

func writeSample(d []byte, t ChannelType, v float64) {
	if !t.IsFloat() {
		v = clampRound(v, t)
	}
	switch t {
	case Uint8:
		d[0] = uint8(v)
	case Int8:
		d[0] = byte(int8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(d, uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(d, uint16(int16(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(d, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(d, uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(d, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(d, math.Float64bits(v))
	}
}

func clampRound(v float64, t ChannelType) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if lo := t.Min(); v < lo {
		return lo
	}
	if hi := t.Max(); v > hi {
		return hi
	}
	return v
}
