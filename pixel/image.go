package pixel

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// FromImage copies img into a new buffer whose origin is img.Bounds().Min.
//
// Gray images keep their depth; 16-bit color and alpha images become
// RGBA/Uint16; paletted images are expanded to RGBA/Uint8; everything else
// is normalized to non-premultiplied RGBA/Uint8.
func FromImage(img image.Image) Buffer {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()

	switch m := img.(type) {
	case *image.Gray:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: Gray, ChannelType: Uint8})
		for y := 0; y < h; y++ {
			i := m.PixOffset(r.Min.X, r.Min.Y+y)
			copy(b.Data[y*b.RowStride:(y+1)*b.RowStride], m.Pix[i:i+w])
		}
		return b

	case *image.Gray16:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: Gray, ChannelType: Uint16})
		for y := 0; y < h; y++ {
			i := m.PixOffset(r.Min.X, r.Min.Y+y)
			swap16(b.Data[y*b.RowStride:], m.Pix[i:i+2*w])
		}
		return b

	case *image.NRGBA64:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: RGBA, ChannelType: Uint16})
		for y := 0; y < h; y++ {
			i := m.PixOffset(r.Min.X, r.Min.Y+y)
			swap16(b.Data[y*b.RowStride:], m.Pix[i:i+8*w])
		}
		return b

	case *image.RGBA64:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: RGBA, ChannelType: Uint16})
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBA64Model.Convert(m.RGBA64At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA64)
				o := b.Offset(x, y, 0)
				binary.LittleEndian.PutUint16(b.Data[o:], c.R)
				binary.LittleEndian.PutUint16(b.Data[o+2:], c.G)
				binary.LittleEndian.PutUint16(b.Data[o+4:], c.B)
				binary.LittleEndian.PutUint16(b.Data[o+6:], c.A)
			}
		}
		return b

	case *image.Alpha16:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: RGBA, ChannelType: Uint16})
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := b.Offset(x, y, 0)
				binary.LittleEndian.PutUint16(b.Data[o:], 0xffff)
				binary.LittleEndian.PutUint16(b.Data[o+2:], 0xffff)
				binary.LittleEndian.PutUint16(b.Data[o+4:], 0xffff)
				binary.LittleEndian.PutUint16(b.Data[o+6:], m.Alpha16At(r.Min.X+x, r.Min.Y+y).A)
			}
		}
		return b

	case *image.Paletted:
		b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: RGBA, ChannelType: Uint8})
		lut := ExpandPalette(m.Palette)
		for y := 0; y < h; y++ {
			i := m.PixOffset(r.Min.X, r.Min.Y+y)
			row := b.Data[y*b.RowStride:]
			for x, idx := range m.Pix[i : i+w] {
				copy(row[4*x:4*x+4], lut[idx][:])
			}
		}
		return b
	}

	n := imaging.Clone(img) // *image.NRGBA anchored at (0,0)
	b := NewBuffer(ImageFormat{Cols: w, Rows: h, Planes: 1, PixelFormat: RGBA, ChannelType: Uint8})
	for y := 0; y < h; y++ {
		copy(b.Data[y*b.RowStride:(y+1)*b.RowStride], n.Pix[y*n.Stride:y*n.Stride+4*w])
	}
	return b
}

// ExpandPalette returns the non-premultiplied RGBA value of every palette
// index. Indices beyond the palette map to transparent black.
func ExpandPalette(p color.Palette) [256][4]uint8 {
	var lut [256][4]uint8
	for i, c := range p {
		if i >= len(lut) {
			break
		}
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		lut[i] = [4]uint8{n.R, n.G, n.B, n.A}
	}
	return lut
}

// CheckImage reports whether buffers of format f can be represented as a
// standard library image by ToImage.
func CheckImage(f ImageFormat) error {
	if f.PixelFormat == Scalar && f.Planes == 1 {
		f.PixelFormat = Gray
	}
	if f.Planes != 1 {
		return fmt.Errorf("%w: %d-plane %s image", ErrUnsupportedConversion, f.Planes, f.PixelFormat)
	}
	if f.ChannelType != Uint8 && f.ChannelType != Uint16 {
		return fmt.Errorf("%w: %s samples have no standard image type", ErrUnsupportedConversion, f.ChannelType)
	}
	return nil
}

// ToImage converts b into a standard library image anchored at (0,0).
// Samples are copied exactly at their own depth. Gray maps to Gray or Gray16,
// RGB to opaque RGBA or RGBA64, RGBA to NRGBA or NRGBA64. GrayA has no
// standard type and widens to NRGBA or NRGBA64 with the gray replicated.
// Scalar buffers with one plane are treated as gray. Float, signed and 32-bit
// samples yield ErrUnsupportedConversion.
func ToImage(b Buffer) (image.Image, error) {
	f := b.Format
	if err := CheckImage(f); err != nil {
		return nil, err
	}
	if f.PixelFormat == Scalar {
		b.Format.PixelFormat = Gray
		f = b.Format
	}
	rect := image.Rect(0, 0, f.Cols, f.Rows)
	wide := f.ChannelType == Uint16

	switch f.PixelFormat {
	case Gray:
		if !wide {
			m := image.NewGray(rect)
			for y := 0; y < f.Rows; y++ {
				for x := 0; x < f.Cols; x++ {
					m.Pix[y*m.Stride+x] = b.Data[b.Offset(x, y, 0)]
				}
			}
			return m, nil
		}
		m := image.NewGray16(rect)
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				o := b.Offset(x, y, 0)
				swap16(m.Pix[y*m.Stride+2*x:], b.Data[o:o+2])
			}
		}
		return m, nil

	case RGBA:
		if !wide {
			m := image.NewNRGBA(rect)
			for y := 0; y < f.Rows; y++ {
				for x := 0; x < f.Cols; x++ {
					o := b.Offset(x, y, 0)
					copy(m.Pix[y*m.Stride+4*x:], b.Data[o:o+4])
				}
			}
			return m, nil
		}
		m := image.NewNRGBA64(rect)
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				o := b.Offset(x, y, 0)
				swap16(m.Pix[y*m.Stride+8*x:], b.Data[o:o+8])
			}
		}
		return m, nil

	case RGB:
		// Opaque RGBA keeps encoders on their alpha-free color modes.
		if !wide {
			m := image.NewRGBA(rect)
			for y := 0; y < f.Rows; y++ {
				for x := 0; x < f.Cols; x++ {
					o, i := b.Offset(x, y, 0), y*m.Stride+4*x
					copy(m.Pix[i:i+3], b.Data[o:o+3])
					m.Pix[i+3] = 0xff
				}
			}
			return m, nil
		}
		m := image.NewRGBA64(rect)
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				o, i := b.Offset(x, y, 0), y*m.Stride+8*x
				swap16(m.Pix[i:i+6], b.Data[o:o+6])
				m.Pix[i+6], m.Pix[i+7] = 0xff, 0xff
			}
		}
		return m, nil

	case GrayA:
		if !wide {
			m := image.NewNRGBA(rect)
			for y := 0; y < f.Rows; y++ {
				for x := 0; x < f.Cols; x++ {
					o, i := b.Offset(x, y, 0), y*m.Stride+4*x
					v := b.Data[o]
					m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3] = v, v, v, b.Data[o+1]
				}
			}
			return m, nil
		}
		m := image.NewNRGBA64(rect)
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				o, i := b.Offset(x, y, 0), y*m.Stride+8*x
				for c := 0; c < 3; c++ {
					swap16(m.Pix[i+2*c:], b.Data[o:o+2])
				}
				swap16(m.Pix[i+6:], b.Data[o+2:o+4])
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s image", ErrUnsupportedConversion, f.PixelFormat)
}

// swap16 copies 16-bit samples from src to dst reversing byte order.
func swap16(dst, src []byte) {
	for i := 0; i+1 < len(src); i += 2 {
		dst[i], dst[i+1] = src[i+1], src[i]
	}
}
