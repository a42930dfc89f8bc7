package tiled

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

func newContext(t *testing.T, handles int) *resource.Context {
	t.Helper()
	ctx := resource.NewContext(resource.ContextOptions{HandleCapacity: handles})
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// pattern fills a buffer with a position-dependent, non-repeating pattern.
func pattern(f pixel.ImageFormat) pixel.Buffer {
	b := pixel.NewBuffer(f)
	for p := 0; p < f.Planes; p++ {
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				for c := 0; c < f.Channels(); c++ {
					b.Set(x, y, p, c, float64((x*7+y*13+c*31+p*57)%251))
				}
			}
		}
	}
	return b
}

func assertRegion(t *testing.T, want pixel.Buffer, got pixel.Buffer, at image.Point) {
	t.Helper()
	f := got.Format
	for p := 0; p < f.Planes; p++ {
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				for c := 0; c < f.Channels(); c++ {
					w, g := want.At(at.X+x, at.Y+y, p, c), got.At(x, y, p, c)
					if w != g {
						t.Fatalf("pixel (%d,%d) plane %d channel %d: want %v, got %v", at.X+x, at.Y+y, p, c, w, g)
					}
				}
			}
		}
	}
}

func writeImage(t *testing.T, ctx *resource.Context, name string, src pixel.Buffer, bs image.Point, opts resource.Options) {
	t.Helper()
	w, err := ctx.Create(name, src.Format, bs, opts)
	require.NoError(t, err)

	// Two overlapping halves exercise staging across block boundaries.
	b := src.Bounds()
	top := image.Rect(0, 0, b.Dx(), b.Dy()/2+3)
	bottom := image.Rect(0, b.Dy()/2, b.Dx(), b.Dy())
	require.NoError(t, w.Write(src.Sub(top), top))
	require.NoError(t, w.Write(src.Sub(bottom), bottom))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())
}

func TestTiled_RoundTripAllCompressions(t *testing.T) {
	t.Parallel()

	for _, comp := range []string{"NONE", "LZ4", "ZSTD", "S2"} {
		t.Run(comp, func(t *testing.T) {
			t.Parallel()

			ctx := newContext(t, 8)
			name := filepath.Join(t.TempDir(), "img"+Extension)
			src := pattern(pixel.ImageFormat{Cols: 70, Rows: 45, Planes: 1, PixelFormat: pixel.RGB, ChannelType: pixel.Uint8})
			writeImage(t, ctx, name, src, image.Pt(32, 16), resource.Options{"COMPRESS": comp})

			r, err := ctx.Open(name)
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })

			assert.Equal(t, src.Format, r.Format())
			assert.Equal(t, image.Pt(32, 16), r.BlockSize())

			full := pixel.NewBuffer(r.Format())
			require.NoError(t, r.Read(full, r.Format().Bounds()))
			assertRegion(t, src, full, image.Point{})

			sub := image.Rect(29, 11, 67, 40)
			part := pixel.NewBuffer(r.Format().WithSize(sub.Dx(), sub.Dy()))
			require.NoError(t, r.Read(part, sub))
			assertRegion(t, src, part, sub.Min)

			md := r.(resource.MetadataReader).Metadata()
			assert.Equal(t, comp, md[resource.OptCompress])
			assert.Equal(t, "RGB", md[resource.OptPhotometric])
			assert.Equal(t, "PIXEL", md[resource.OptInterleave])
			_, hasAlpha := md[resource.OptAlpha]
			assert.False(t, hasAlpha)
		})
	}
}

func TestTiled_ScalarPlanesUntiled(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	name := filepath.Join(t.TempDir(), "planes.vwt")
	src := pattern(pixel.ImageFormat{Cols: 19, Rows: 7, Planes: 5, PixelFormat: pixel.Scalar, ChannelType: pixel.Float32})
	writeImage(t, ctx, name, src, image.Point{}, resource.Options{"TILED": "NO"})

	r, err := ctx.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, image.Pt(19, 7), r.BlockSize(), "untiled file is one block")

	// Read converts to a different channel type on the way out.
	got := pixel.NewBuffer(pixel.ImageFormat{Cols: 19, Rows: 7, Planes: 5, PixelFormat: pixel.Scalar, ChannelType: pixel.Uint16})
	require.NoError(t, r.Read(got, r.Format().Bounds()))
	assertRegion(t, src, got, image.Point{})
}

func TestTiled_PartialFlushRejected(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	name := filepath.Join(t.TempDir(), "partial.vwt")
	src := pattern(pixel.ImageFormat{Cols: 40, Rows: 40, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint8})

	w, err := ctx.Create(name, src.Format, image.Pt(16, 16), nil)
	require.NoError(t, err)
	left := image.Rect(0, 0, 20, 40)
	require.NoError(t, w.Write(src.Sub(left), left))
	require.ErrorIs(t, w.Flush(), resource.ErrPartialCoverage)

	right := image.Rect(20, 0, 40, 40)
	require.NoError(t, w.Write(src.Sub(right), right))
	require.NoError(t, w.Flush())

	r, err := ctx.Open(name)
	require.NoError(t, err)
	defer r.Close()
	got := pixel.NewBuffer(src.Format)
	require.NoError(t, r.Read(got, src.Bounds()))
	assertRegion(t, src, got, image.Point{})
}

func TestTiled_RewriteCommittedBlock(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	name := filepath.Join(t.TempDir(), "rewrite.vwt")
	f := pixel.ImageFormat{Cols: 32, Rows: 16, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint8}
	src := pattern(f)

	w, err := ctx.Create(name, f, image.Pt(16, 16), resource.Options{"COMPRESS": "ZSTD"})
	require.NoError(t, err)
	require.NoError(t, w.Write(src, f.Bounds()))

	patch := image.Rect(4, 4, 20, 8)
	ones := pixel.NewBuffer(f.WithSize(patch.Dx(), patch.Dy()))
	ones.Fill(1)
	require.NoError(t, w.Write(ones, patch))
	require.NoError(t, w.Flush())

	r, err := ctx.Open(name)
	require.NoError(t, err)
	defer r.Close()
	got := pixel.NewBuffer(f)
	require.NoError(t, r.Read(got, f.Bounds()))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			want := src.At(x, y, 0, 0)
			if image.Pt(x, y).In(patch) {
				want = 1
			}
			require.Equal(t, want, got.At(x, y, 0, 0), "pixel (%d,%d)", x, y)
		}
	}
}

func TestTiled_CreateValidation(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	dir := t.TempDir()
	rgb := pixel.ImageFormat{Cols: 8, Rows: 8, Planes: 1, PixelFormat: pixel.RGB, ChannelType: pixel.Uint8}

	_, err := ctx.Create(filepath.Join(dir, "a.vwt"), rgb, image.Pt(24, 16), nil)
	require.ErrorIs(t, err, resource.ErrInvalidBlockSize)

	_, err = ctx.Create(filepath.Join(dir, "b.vwt"), rgb, image.Pt(16, 16), resource.Options{"BLOCKYSIZE": "20"})
	require.ErrorIs(t, err, resource.ErrInvalidBlockSize)

	_, err = ctx.Create(filepath.Join(dir, "c.vwt"), rgb, image.Pt(16, 16), resource.Options{"COMPRESS": "BROTLI"})
	require.ErrorIs(t, err, resource.ErrInvalidOption)

	_, err = ctx.Create(filepath.Join(dir, "d.vwt"), rgb, image.Pt(16, 16), resource.Options{"INTERLEAVE": "BAND"})
	require.ErrorIs(t, err, resource.ErrInvalidOption)

	multi := rgb
	multi.Planes = 2
	_, err = ctx.Create(filepath.Join(dir, "e.vwt"), multi, image.Pt(16, 16), nil)
	require.ErrorIs(t, err, resource.ErrInvalidOption)
}

func TestTiled_WrongDirectionIsNotOpen(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	name := filepath.Join(t.TempDir(), "dir.vwt")
	f := pixel.ImageFormat{Cols: 16, Rows: 16, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint8}

	w, err := ctx.Create(name, f, image.Pt(16, 16), nil)
	require.NoError(t, err)
	require.ErrorIs(t, w.Read(pixel.NewBuffer(f), f.Bounds()), resource.ErrNotOpen)
	require.NoError(t, w.Write(pattern(f), f.Bounds()))
	require.NoError(t, w.Close()) // Close flushes a complete image
	require.ErrorIs(t, w.Write(pattern(f), f.Bounds()), resource.ErrNotOpen)

	r, err := ctx.Open(name)
	require.NoError(t, err)
	require.ErrorIs(t, r.Write(pattern(f), f.Bounds()), resource.ErrNotOpen)
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Read(pixel.NewBuffer(f), f.Bounds()), resource.ErrNotOpen)
}

func TestTiled_SetBlockSize(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	name := filepath.Join(t.TempDir(), "bs.vwt")
	f := pixel.ImageFormat{Cols: 40, Rows: 20, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint16}

	w, err := ctx.Create(name, f, image.Pt(16, 16), nil)
	require.NoError(t, err)
	bsz := w.(resource.BlockSizer)
	require.ErrorIs(t, bsz.SetBlockSize(image.Pt(10, 16)), resource.ErrInvalidBlockSize)
	require.NoError(t, bsz.SetBlockSize(image.Pt(32, 16)))
	require.Equal(t, image.Pt(32, 16), w.BlockSize())

	require.NoError(t, w.Write(pattern(f), f.Bounds()))
	require.ErrorIs(t, bsz.SetBlockSize(image.Pt(16, 16)), resource.ErrInvalidOption)
	require.NoError(t, w.Flush())

	r, err := ctx.Open(name)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, image.Pt(32, 16), r.BlockSize())
}

func TestTiled_Nodata(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	dir := t.TempDir()
	f := pixel.ImageFormat{Cols: 16, Rows: 16, Planes: 1, PixelFormat: pixel.Scalar, ChannelType: pixel.Float64}

	with := filepath.Join(dir, "nodata.vwt")
	writeImage(t, ctx, with, pattern(f), image.Pt(16, 16), resource.Options{"NODATA": "-9999.5"})
	without := filepath.Join(dir, "plain.vwt")
	writeImage(t, ctx, without, pattern(f), image.Pt(16, 16), nil)

	r, err := ctx.Open(with)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.HasNodataValue())
	v, err := r.NodataValue()
	require.NoError(t, err)
	require.Equal(t, -9999.5, v)

	p, err := ctx.Open(without)
	require.NoError(t, err)
	defer p.Close()
	require.False(t, p.HasNodataValue())
	_, err = p.NodataValue()
	require.ErrorIs(t, err, resource.ErrNoNodata)
}

// With room for one native handle, alternating reads of two files keep
// evicting and reopening handles while returning correct pixels.
func TestTiled_HandleEviction(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 1)
	dir := t.TempDir()
	f := pixel.ImageFormat{Cols: 33, Rows: 17, Planes: 1, PixelFormat: pixel.RGBA, ChannelType: pixel.Uint8}

	srcA, srcB := pattern(f), pixel.NewBuffer(f)
	srcB.Fill(200)
	nameA, nameB := filepath.Join(dir, "a.vwt"), filepath.Join(dir, "b.vwt")
	writeImage(t, ctx, nameA, srcA, image.Pt(16, 16), nil)
	writeImage(t, ctx, nameB, srcB, image.Pt(16, 16), nil)

	ra, err := ctx.Open(nameA)
	require.NoError(t, err)
	defer ra.Close()
	rb, err := ctx.Open(nameB)
	require.NoError(t, err)
	defer rb.Close()

	for i := 0; i < 4; i++ {
		got := pixel.NewBuffer(f)
		require.NoError(t, ra.Read(got, f.Bounds()))
		assertRegion(t, srcA, got, image.Point{})
		require.NoError(t, rb.Read(got, f.Bounds()))
		assertRegion(t, srcB, got, image.Point{})
	}
	st := ctx.HandleStats()
	assert.LessOrEqual(t, st.Resident, 1)
	assert.GreaterOrEqual(t, st.Evictions, uint64(8))
}

func TestTiled_OpenErrors(t *testing.T) {
	t.Parallel()

	ctx := newContext(t, 4)
	_, err := ctx.Open(filepath.Join(t.TempDir(), "missing.vwt"))
	require.ErrorIs(t, err, resource.ErrIO)

	_, err = ctx.Open("image.unknown")
	require.ErrorIs(t, err, resource.ErrUnsupportedFormat)
}
