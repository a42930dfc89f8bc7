// Package pixel describes raw, strided pixel buffers and converts between
// pixel formats and channel types.
package pixel

import (
	"fmt"
	"image"
	"math"
)

// PixelFormat is the channel layout of one pixel.
type PixelFormat uint8

const (
	// Scalar is a single untyped channel; multi-band data uses planes.
	Scalar PixelFormat = iota
	Gray
	GrayA
	RGB
	RGBA
)

// Channels returns the number of interleaved channels per pixel.
func (f PixelFormat) Channels() int {
	switch f {
	case GrayA:
		return 2
	case RGB:
		return 3
	case RGBA:
		return 4
	default:
		return 1
	}
}

// HasAlpha reports whether the last channel is alpha.
func (f PixelFormat) HasAlpha() bool { return f == GrayA || f == RGBA }

func (f PixelFormat) String() string {
	switch f {
	case Scalar:
		return "scalar"
	case Gray:
		return "gray"
	case GrayA:
		return "graya"
	case RGB:
		return "rgb"
	case RGBA:
		return "rgba"
	default:
		return fmt.Sprintf("pixelformat(%d)", uint8(f))
	}
}

// ChannelType is the storage type of one channel sample.
type ChannelType uint8

const (
	Uint8 ChannelType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

// Size returns the sample width in bytes.
func (t ChannelType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether samples are IEEE floats.
func (t ChannelType) IsFloat() bool { return t == Float32 || t == Float64 }

// Max is the value that means "full intensity" for the type: the largest
// representable integer, or 1 for floats.
func (t ChannelType) Max() float64 {
	switch t {
	case Uint8:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case Uint16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	default:
		return 1
	}
}

// Min is the smallest representable value; -Inf for floats.
func (t ChannelType) Min() float64 {
	switch t {
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Float32, Float64:
		return math.Inf(-1)
	default:
		return 0
	}
}

func (t ChannelType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("channeltype(%d)", uint8(t))
	}
}

// ImageFormat fully describes an image's geometry and sample layout.
type ImageFormat struct {
	Cols, Rows  int
	Planes      int
	PixelFormat PixelFormat
	ChannelType ChannelType
}

// Channels is a shorthand for PixelFormat.Channels.
func (f ImageFormat) Channels() int { return f.PixelFormat.Channels() }

// PixelBytes is the size of one pixel of one plane.
func (f ImageFormat) PixelBytes() int { return f.Channels() * f.ChannelType.Size() }

// Bytes is the size of a contiguous buffer holding the whole image.
func (f ImageFormat) Bytes() int64 {
	return int64(f.Cols) * int64(f.Rows) * int64(f.Planes) * int64(f.PixelBytes())
}

// Bounds returns the image extent with the origin at (0,0).
func (f ImageFormat) Bounds() image.Rectangle { return image.Rect(0, 0, f.Cols, f.Rows) }

// WithSize returns a copy of f with different dimensions.
func (f ImageFormat) WithSize(cols, rows int) ImageFormat {
	f.Cols, f.Rows = cols, rows
	return f
}

func (f ImageFormat) String() string {
	return fmt.Sprintf("%dx%dx%d %s/%s", f.Cols, f.Rows, f.Planes, f.PixelFormat, f.ChannelType)
}

// FormatForBands maps a band count to a pixel format the way raster
// backends expose multi-band data: 1..4 bands become gray, gray-alpha,
// RGB and RGBA; anything else is Scalar with one plane per band.
func FormatForBands(bands int) (PixelFormat, int) {
	switch bands {
	case 1:
		return Gray, 1
	case 2:
		return GrayA, 1
	case 3:
		return RGB, 1
	case 4:
		return RGBA, 1
	default:
		return Scalar, bands
	}
}
