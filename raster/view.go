package raster

import (
	"errors"
	"fmt"
	"image"

	"github.com/IvanBrykalov/rastercache/pixel"
)

// ErrOutOfBounds is returned for a bbox that is empty or not inside the image.
var ErrOutOfBounds = errors.New("raster: bbox outside image")

// View is a pixel-addressable image. Rasterize fills dst, whose size must
// equal bbox, with the pixels of bbox. Implementations are safe for
// concurrent use.
type View interface {
	Format() pixel.ImageFormat
	Rasterize(dst pixel.Buffer, bbox image.Rectangle) error
}

func checkBounds(f pixel.ImageFormat, bbox image.Rectangle) error {
	if bbox.Empty() || !bbox.In(f.Bounds()) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, bbox, f.Bounds())
	}
	return nil
}

func checkDst(f pixel.ImageFormat, dst pixel.Buffer, bbox image.Rectangle) error {
	if dst.Format.Cols != bbox.Dx() || dst.Format.Rows != bbox.Dy() || dst.Format.Planes != f.Planes {
		return fmt.Errorf("%w: dst %s for bbox %v of %s", pixel.ErrShapeMismatch, dst.Format, bbox, f)
	}
	return nil
}

// funcView computes pixels on demand.
type funcView struct {
	f  pixel.ImageFormat
	fn func(dst pixel.Buffer, bbox image.Rectangle) error
}

// NewFuncView wraps a pixel computation as a View. fn receives only
// in-bounds requests with a correctly sized dst and must be safe for
// concurrent use.
func NewFuncView(f pixel.ImageFormat, fn func(dst pixel.Buffer, bbox image.Rectangle) error) View {
	return &funcView{f: f, fn: fn}
}

func (v *funcView) Format() pixel.ImageFormat { return v.f }

func (v *funcView) Rasterize(dst pixel.Buffer, bbox image.Rectangle) error {
	if err := checkBounds(v.f, bbox); err != nil {
		return err
	}
	if err := checkDst(v.f, dst, bbox); err != nil {
		return err
	}
	return v.fn(dst, bbox)
}

// imageView serves an in-memory image.
type imageView struct {
	buf pixel.Buffer
}

// ImageView exposes img as a View. The pixels are copied once; the origin
// of the view is img.Bounds().Min.
func ImageView(img image.Image) View {
	return &imageView{buf: pixel.FromImage(img)}
}

func (v *imageView) Format() pixel.ImageFormat { return v.buf.Format }

func (v *imageView) Rasterize(dst pixel.Buffer, bbox image.Rectangle) error {
	if err := checkBounds(v.buf.Format, bbox); err != nil {
		return err
	}
	return pixel.Convert(dst, v.buf.Sub(bbox), false)
}
