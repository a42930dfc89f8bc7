package pixel

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedConversion is returned for pixel format mappings that
	// would require reinterpreting data.
	ErrUnsupportedConversion = errors.New("pixel: unsupported conversion")
	// ErrShapeMismatch is returned when source and destination differ in
	// cols, rows or planes.
	ErrShapeMismatch = errors.New("pixel: buffer shapes differ")
)

// BT.601 luma weights.
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// mapFunc converts one pixel. in holds the source channels; out receives the
// destination channels. opaque is the alpha value to synthesize.
type mapFunc func(in, out []float64, opaque float64)

// Convert copies src into dst, converting pixel format and channel type.
//
// With rescale, sample values are mapped between the full ranges of the two
// channel types (integers by their maximum, floats as [0,1]); without it,
// values are cast with rounding and clamping. Synthesized alpha is fully
// opaque in the destination type.
func Convert(dst, src Buffer, rescale bool) error {
	sf, df := src.Format, dst.Format
	if sf.Cols != df.Cols || sf.Rows != df.Rows || sf.Planes != df.Planes {
		return fmt.Errorf("%w: %s -> %s", ErrShapeMismatch, sf, df)
	}
	if sf.Cols == 0 || sf.Rows == 0 || sf.Planes == 0 {
		return nil
	}
	if sf.PixelFormat == df.PixelFormat && sf.ChannelType == df.ChannelType {
		copyRaw(dst, src)
		return nil
	}

	fn, err := pixelMapping(sf.PixelFormat, df.PixelFormat)
	if err != nil {
		return err
	}

	scale := 1.0
	opaque := df.ChannelType.Max()
	if rescale {
		scale = df.ChannelType.Max() / sf.ChannelType.Max()
		// Alpha is synthesized before scaling.
		opaque = sf.ChannelType.Max()
	}

	sc, dc := sf.Channels(), df.Channels()
	ssz, dsz := sf.ChannelType.Size(), df.ChannelType.Size()
	in := make([]float64, sc)
	out := make([]float64, dc)
	for p := 0; p < sf.Planes; p++ {
		for y := 0; y < sf.Rows; y++ {
			soff := p*src.PlaneStride + y*src.RowStride
			doff := p*dst.PlaneStride + y*dst.RowStride
			for x := 0; x < sf.Cols; x++ {
				for c := 0; c < sc; c++ {
					in[c] = readSample(src.Data[soff+c*ssz:], sf.ChannelType)
				}
				fn(in, out, opaque)
				for c := 0; c < dc; c++ {
					writeSample(dst.Data[doff+c*dsz:], df.ChannelType, out[c]*scale)
				}
				soff += src.ColStride
				doff += dst.ColStride
			}
		}
	}
	return nil
}

// Copy copies src into dst when both share a pixel format and channel type.
func Copy(dst, src Buffer) error {
	if src.Format != dst.Format {
		return fmt.Errorf("%w: copy %s -> %s", ErrUnsupportedConversion, src.Format, dst.Format)
	}
	copyRaw(dst, src)
	return nil
}

// copyRaw copies pixel bytes row by row, or pixel by pixel when strided.
func copyRaw(dst, src Buffer) {
	f := src.Format
	pb := f.PixelBytes()
	rowBytes := pb * f.Cols
	packed := src.ColStride == pb && dst.ColStride == pb
	for p := 0; p < f.Planes; p++ {
		for y := 0; y < f.Rows; y++ {
			soff := p*src.PlaneStride + y*src.RowStride
			doff := p*dst.PlaneStride + y*dst.RowStride
			if packed {
				copy(dst.Data[doff:doff+rowBytes], src.Data[soff:soff+rowBytes])
				continue
			}
			for x := 0; x < f.Cols; x++ {
				copy(dst.Data[doff:doff+pb], src.Data[soff:soff+pb])
				soff += src.ColStride
				doff += dst.ColStride
			}
		}
	}
}

func luma(r, g, b float64) float64 { return lumaR*r + lumaG*g + lumaB*b }

func pixelMapping(from, to PixelFormat) (mapFunc, error) {
	if from == to {
		return func(in, out []float64, _ float64) { copy(out, in) }, nil
	}
	switch from {
	case Gray:
		switch to {
		case GrayA:
			return func(in, out []float64, a float64) { out[0], out[1] = in[0], a }, nil
		case RGB:
			return func(in, out []float64, _ float64) { out[0], out[1], out[2] = in[0], in[0], in[0] }, nil
		case RGBA:
			return func(in, out []float64, a float64) { out[0], out[1], out[2], out[3] = in[0], in[0], in[0], a }, nil
		}
	case GrayA:
		switch to {
		case Gray:
			return func(in, out []float64, _ float64) { out[0] = in[0] }, nil
		case RGB:
			return func(in, out []float64, _ float64) { out[0], out[1], out[2] = in[0], in[0], in[0] }, nil
		case RGBA:
			return func(in, out []float64, _ float64) { out[0], out[1], out[2], out[3] = in[0], in[0], in[0], in[1] }, nil
		}
	case RGB:
		switch to {
		case RGBA:
			return func(in, out []float64, a float64) { out[0], out[1], out[2], out[3] = in[0], in[1], in[2], a }, nil
		case Gray:
			return func(in, out []float64, _ float64) { out[0] = luma(in[0], in[1], in[2]) }, nil
		}
	case RGBA:
		switch to {
		case RGB:
			return func(in, out []float64, _ float64) { out[0], out[1], out[2] = in[0], in[1], in[2] }, nil
		case Gray:
			return func(in, out []float64, _ float64) { out[0] = luma(in[0], in[1], in[2]) }, nil
		case GrayA:
			return func(in, out []float64, _ float64) { out[0], out[1] = luma(in[0], in[1], in[2]), in[3] }, nil
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, from, to)
}
