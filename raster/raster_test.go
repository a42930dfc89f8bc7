package raster

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/resource"
)

func newResources(t *testing.T) *resource.Context {
	t.Helper()
	rc := resource.NewContext(resource.ContextOptions{HandleCapacity: 8})
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func newPool(t *testing.T, capacity int64) *Pool {
	t.Helper()
	p := NewPool(PoolOptions{Capacity: capacity})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func pattern(f pixel.ImageFormat) pixel.Buffer {
	b := pixel.NewBuffer(f)
	for p := 0; p < f.Planes; p++ {
		for y := 0; y < f.Rows; y++ {
			for x := 0; x < f.Cols; x++ {
				for c := 0; c < f.Channels(); c++ {
					b.Set(x, y, p, c, float64((x*7+y*13+c*29+p*31)%251))
				}
			}
		}
	}
	return b
}

func requireSame(t *testing.T, want, got pixel.Buffer) {
	t.Helper()
	require.Equal(t, want.Format.Cols, got.Format.Cols)
	require.Equal(t, want.Format.Rows, got.Format.Rows)
	for p := 0; p < want.Format.Planes; p++ {
		for y := 0; y < want.Format.Rows; y++ {
			for x := 0; x < want.Format.Cols; x++ {
				for c := 0; c < want.Format.Channels(); c++ {
					if w, g := want.At(x, y, p, c), got.At(x, y, p, c); w != g {
						t.Fatalf("sample (%d,%d) p%d c%d: want %v, got %v", x, y, p, c, w, g)
					}
				}
			}
		}
	}
}

// writeTiled stores src as a tiled file with block size bs and opens it.
func writeTiled(t *testing.T, rc *resource.Context, src pixel.Buffer, bs image.Point) resource.Resource {
	t.Helper()
	name := filepath.Join(t.TempDir(), "src.vwt")
	w, err := rc.Create(name, src.Format, bs, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(src, src.Bounds()))
	require.NoError(t, w.Flush())
	r, err := rc.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// countingResource records every Read issued to the wrapped resource.
type countingResource struct {
	resource.Resource

	mu    sync.Mutex
	reads map[image.Rectangle]int
}

func countReads(r resource.Resource) *countingResource {
	return &countingResource{Resource: r, reads: make(map[image.Rectangle]int)}
}

func (c *countingResource) Read(dst pixel.Buffer, bbox image.Rectangle) error {
	c.mu.Lock()
	c.reads[bbox]++
	c.mu.Unlock()
	return c.Resource.Read(dst, bbox)
}

func (c *countingResource) snapshot() map[image.Rectangle]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[image.Rectangle]int, len(c.reads))
	for k, v := range c.reads {
		out[k] = v
	}
	return out
}

var rgb16 = pixel.ImageFormat{Cols: 100, Rows: 70, Planes: 1, PixelFormat: pixel.RGB, ChannelType: pixel.Uint16}

func TestBlockRaster_ComposesLikeDirectRead(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	res := writeTiled(t, rc, pattern(rgb16), image.Pt(32, 16))
	br := NewBlockRaster(res, WithPool(newPool(t, 0)), WithResources(rc))
	defer br.Close()

	for _, bbox := range []image.Rectangle{
		rgb16.Bounds(),
		image.Rect(0, 0, 1, 1),
		image.Rect(31, 15, 33, 17),
		image.Rect(5, 3, 97, 69),
		image.Rect(96, 64, 100, 70),
		image.Rect(32, 16, 64, 32),
	} {
		want := pixel.NewBuffer(rgb16.WithSize(bbox.Dx(), bbox.Dy()))
		require.NoError(t, res.Read(want, bbox))
		got := pixel.NewBuffer(rgb16.WithSize(bbox.Dx(), bbox.Dy()))
		require.NoError(t, br.Rasterize(got, bbox), "%v", bbox)
		requireSame(t, want, got)
	}
}

func TestBlockRaster_PlanSpansAndBoundaryClipping(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	res := countReads(writeTiled(t, rc, pattern(rgb16), image.Pt(32, 16)))
	br := NewBlockRaster(res, WithPool(newPool(t, 0)), WithResources(rc))
	defer br.Close()

	p, err := br.Plan(image.Rect(31, 15, 65, 17))
	require.NoError(t, err)
	assert.Equal(t, 3*2, p.Blocks())
	assert.Empty(t, res.snapshot(), "planning performs no I/O")

	edge := image.Rect(90, 60, 100, 70)
	dst := pixel.NewBuffer(rgb16.WithSize(edge.Dx(), edge.Dy()))
	require.NoError(t, br.Rasterize(dst, edge))
	for r := range res.snapshot() {
		assert.True(t, r.In(rgb16.Bounds()), "read %v outside image", r)
	}
	assert.Equal(t, map[image.Rectangle]int{image.Rect(96, 48, 100, 64): 1, image.Rect(64, 48, 96, 64): 1,
		image.Rect(64, 64, 96, 70): 1, image.Rect(96, 64, 100, 70): 1}, res.snapshot())

	for _, bad := range []image.Rectangle{{}, image.Rect(-1, 0, 4, 4), image.Rect(0, 0, 101, 1)} {
		_, err := br.Plan(bad)
		assert.ErrorIs(t, err, ErrOutOfBounds, "%v", bad)
	}
}

func TestBlockRaster_OverlappingPlansShareGeneration(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	res := countReads(writeTiled(t, rc, pattern(rgb16), image.Pt(16, 16)))
	pool := newPool(t, 0)
	a := NewBlockRaster(res, WithPool(pool), WithResources(rc))
	b := NewBlockRaster(res, WithPool(pool), WithResources(rc), WithWorkers(1))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		r, bbox := a, image.Rect(0, 0, 60, 70)
		if i%2 == 1 {
			r, bbox = b, image.Rect(20, 10, 100, 70)
		}
		g.Go(func() error {
			dst := pixel.NewBuffer(rgb16.WithSize(bbox.Dx(), bbox.Dy()))
			return r.Rasterize(dst, bbox)
		})
	}
	require.NoError(t, g.Wait())

	reads := res.snapshot()
	assert.Len(t, reads, 7*5, "every block of the image is touched")
	for r, n := range reads {
		assert.Equal(t, 1, n, "block %v generated %d times", r, n)
	}
	assert.Equal(t, uint64(7*5), pool.Stats().Generations)
}

func TestBlockRaster_RegeneratesUnderPressure(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	src := pattern(rgb16)
	res := countReads(writeTiled(t, rc, src, image.Pt(16, 16)))
	blockBytes := rgb16.WithSize(16, 16).Bytes()
	pool := newPool(t, 3*blockBytes)
	br := NewBlockRaster(res, WithPool(pool), WithResources(rc))
	defer br.Close()

	for round := 0; round < 2; round++ {
		got := pixel.NewBuffer(rgb16)
		require.NoError(t, br.Rasterize(got, rgb16.Bounds()))
		requireSame(t, src, got)
		assert.LessOrEqual(t, pool.Stats().Cost, 3*blockBytes)
	}
	assert.Greater(t, pool.Stats().Evictions, uint64(0))
}

func TestBlockRaster_ConvertsAndCloses(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	res := writeTiled(t, rc, pattern(rgb16), image.Pt(32, 32))
	pool := newPool(t, 0)
	br := NewBlockRaster(res, WithPool(pool), WithResources(rc), WithRescale(true))

	gray := pixel.NewBuffer(pixel.ImageFormat{Cols: 4, Rows: 4, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Float32})
	require.NoError(t, br.Rasterize(gray, image.Rect(0, 0, 4, 4)))
	assert.InDelta(t, 0, gray.At(0, 0, 0, 0), 1e-3)
	assert.Greater(t, gray.At(1, 1, 0, 0), 0.0)
	assert.LessOrEqual(t, gray.At(3, 3, 0, 0), 1.0)

	require.NoError(t, br.Close())
	assert.Zero(t, pool.Stats().Entries)
	_, err := br.Plan(image.Rect(0, 0, 1, 1))
	assert.ErrorIs(t, err, resource.ErrNotOpen)
	require.NoError(t, br.Close())
}

func TestDiskView_OpensThroughRegistry(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	src := pattern(rgb16)
	res := writeTiled(t, rc, src, image.Pt(16, 32))

	br, err := DiskView(res.Name(), WithResources(rc), WithPool(newPool(t, 0)))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 32), br.BlockSize())
	got := pixel.NewBuffer(rgb16)
	require.NoError(t, br.Rasterize(got, rgb16.Bounds()))
	requireSame(t, src, got)
	require.NoError(t, br.Close())

	_, err = DiskView(filepath.Join(t.TempDir(), "missing.vwt"), WithResources(rc))
	assert.ErrorIs(t, err, resource.ErrIO)
}

func TestImageView(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	img.SetNRGBA(12, 11, color.NRGBA{R: 1, G: 2, B: 3, A: 4})
	v := ImageView(img)
	require.Equal(t, image.Rect(0, 0, 4, 2), v.Format().Bounds())

	dst := pixel.NewBuffer(v.Format().WithSize(2, 1))
	require.NoError(t, v.Rasterize(dst, image.Rect(2, 1, 4, 2)))
	assert.Equal(t, []float64{1, 2, 3, 4}, []float64{dst.At(0, 0, 0, 0), dst.At(0, 0, 0, 1), dst.At(0, 0, 0, 2), dst.At(0, 0, 0, 3)})
	assert.ErrorIs(t, v.Rasterize(dst, image.Rect(3, 1, 5, 2)), ErrOutOfBounds)
}

// ---- DiskCacheView ----

// expensive is an upstream view that counts evaluated pixels.
func expensive(f pixel.ImageFormat, calls *atomic.Int64) View {
	src := pattern(f)
	return NewFuncView(f, func(dst pixel.Buffer, bbox image.Rectangle) error {
		calls.Add(int64(bbox.Dx() * bbox.Dy()))
		return pixel.Copy(dst, src.Sub(bbox))
	})
}

func diskOpts(t *testing.T, rc *resource.Context, extra ...DiskCacheOption) []DiskCacheOption {
	return append([]DiskCacheOption{
		WithDir(t.TempDir()),
		WithBlockSize(image.Pt(16, 16)),
		WithRasterOptions(WithResources(rc), WithPool(newPool(t, 0))),
	}, extra...)
}

func TestDiskCacheView_EvaluatesOnceAndServesLazily(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	var calls atomic.Int64
	var progress atomic.Int64
	f := pixel.ImageFormat{Cols: 40, Rows: 33, Planes: 1, PixelFormat: pixel.GrayA, ChannelType: pixel.Uint8}

	v, err := NewDiskCacheView(expensive(f, &calls), diskOpts(t, rc,
		WithProgress(func(done, total int) {
			progress.Add(1)
			assert.Equal(t, 3*3, total)
		}),
		WithCreateOptions(resource.Options{"COMPRESS": "ZSTD"}),
	)...)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, int64(f.Cols*f.Rows), calls.Load(), "upstream evaluated exactly once per pixel")
	assert.Equal(t, int64(9), progress.Load())
	assert.Contains(t, filepath.Base(v.Name()), TempPrefix)
	assert.Equal(t, ".vwt", filepath.Ext(v.Name()))

	for i := 0; i < 3; i++ {
		got := pixel.NewBuffer(f)
		require.NoError(t, v.Rasterize(got, f.Bounds()))
		requireSame(t, pattern(f), got)
	}
	assert.Equal(t, int64(f.Cols*f.Rows), calls.Load(), "reads never reach upstream")
}

func TestDiskCacheView_FileLivesUntilLastRelease(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	var calls atomic.Int64
	f := pixel.ImageFormat{Cols: 20, Rows: 20, Planes: 1, PixelFormat: pixel.RGB, ChannelType: pixel.Uint8}

	v, err := NewDiskCacheView(expensive(f, &calls), diskOpts(t, rc)...)
	require.NoError(t, err)
	name := v.Name()
	c1 := v.Clone()
	c2 := c1.Clone()

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
	require.NoError(t, c1.Close())
	assert.FileExists(t, name)
	assert.ErrorIs(t, v.Rasterize(pixel.NewBuffer(f), f.Bounds()), resource.ErrNotOpen)

	got := pixel.NewBuffer(f)
	require.NoError(t, c2.Rasterize(got, f.Bounds()))
	requireSame(t, pattern(f), got)

	require.NoError(t, c2.Close())
	assert.NoFileExists(t, name)
}

func TestDiskCacheView_AssignReplacesBackingFile(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	var calls atomic.Int64
	f := pixel.ImageFormat{Cols: 24, Rows: 18, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint16}

	v, err := NewDiskCacheView(expensive(f, &calls), diskOpts(t, rc)...)
	require.NoError(t, err)
	other := v.Clone()
	first := v.Name()

	flat := NewFuncView(f, func(dst pixel.Buffer, _ image.Rectangle) error {
		dst.Fill(7)
		return nil
	})
	require.NoError(t, v.Assign(flat))
	second := v.Name()
	assert.NotEqual(t, first, second)
	assert.FileExists(t, first, "still referenced by the clone")

	got := pixel.NewBuffer(f)
	require.NoError(t, v.Rasterize(got, f.Bounds()))
	assert.Equal(t, 7.0, got.At(23, 17, 0, 0))
	require.NoError(t, other.Rasterize(got, f.Bounds()))
	requireSame(t, pattern(f), got)

	require.NoError(t, other.Close())
	assert.NoFileExists(t, first)
	require.NoError(t, v.Close())
	assert.NoFileExists(t, second)
}

func TestDiskCacheView_FormatAndFileType(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	var calls atomic.Int64
	src := pixel.ImageFormat{Cols: 9, Rows: 5, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint16}

	v, err := NewDiskCacheView(expensive(src, &calls), diskOpts(t, rc,
		WithFileType("png"),
		WithFormat(pixel.RGB, pixel.Uint8),
	)...)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, ".png", filepath.Ext(v.Name()))
	assert.Equal(t, pixel.RGB, v.Format().PixelFormat)
	assert.Equal(t, pixel.Uint8, v.Format().ChannelType)

	got := pixel.NewBuffer(v.Format())
	require.NoError(t, v.Rasterize(got, v.Format().Bounds()))
	want := pattern(src).At(4, 2, 0, 0) * 255 / 65535
	assert.InDelta(t, want, got.At(4, 2, 0, 1), 0.5)
}

func TestDiskCacheView_UpstreamFailureLeavesNoFile(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	dir := t.TempDir()
	boom := errors.New("upstream failed")
	f := pixel.ImageFormat{Cols: 64, Rows: 64, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint8}
	failing := NewFuncView(f, func(_ pixel.Buffer, bbox image.Rectangle) error {
		if bbox.Min == (image.Point{}) {
			return boom
		}
		return nil
	})

	_, err := NewDiskCacheView(failing,
		WithDir(dir),
		WithBlockSize(image.Pt(16, 16)),
		WithRateLimit(1<<20),
		WithRasterOptions(WithResources(rc), WithPool(newPool(t, 0))),
	)
	require.ErrorIs(t, err, boom)
	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDiskCacheView_ContextCancelStopsMaterialization(t *testing.T) {
	t.Parallel()

	rc := newResources(t)
	f := pixel.ImageFormat{Cols: 64, Rows: 64, Planes: 1, PixelFormat: pixel.Gray, ChannelType: pixel.Uint8}

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var calls atomic.Int64
		_, err := NewDiskCacheView(expensive(f, &calls),
			WithDir(dir),
			WithBlockSize(image.Pt(16, 16)),
			WithContext(ctx),
			WithRasterOptions(WithResources(rc), WithPool(newPool(t, 0))),
		)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls.Load(), "no block is evaluated")
		left, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("mid way", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var blocks atomic.Int64
		src := NewFuncView(f, func(dst pixel.Buffer, _ image.Rectangle) error {
			if blocks.Add(1) == 2 {
				cancel()
			}
			dst.Fill(1)
			return nil
		})
		_, err := NewDiskCacheView(src,
			WithDir(dir),
			WithBlockSize(image.Pt(16, 16)),
			WithContext(ctx),
			WithRasterOptions(WithResources(rc), WithPool(newPool(t, 0)), WithWorkers(1)),
		)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, blocks.Load(), int64(16), "remaining blocks are not scheduled")
		left, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}
