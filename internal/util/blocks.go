package util

import (
	"image"
	"runtime"
)

// FloorDiv returns ⌊a/b⌋ for b > 0, also for negative a.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}

// CeilDiv returns ⌈a/b⌉ for a >= 0, b > 0.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// BlockSpan returns the inclusive block index range touched by r on a grid of
// block size bs: x ∈ [⌊r.Min.X/bw⌋, ⌊(r.Max.X-1)/bw⌋], analogously for y.
// The returned rectangle uses exclusive max like image.Rectangle.
// An empty r yields an empty span.
func BlockSpan(r image.Rectangle, bs image.Point) image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	return image.Rect(
		FloorDiv(r.Min.X, bs.X), FloorDiv(r.Min.Y, bs.Y),
		FloorDiv(r.Max.X-1, bs.X)+1, FloorDiv(r.Max.Y-1, bs.Y)+1,
	)
}

// BlockRect returns the pixel rectangle of block (bx, by), clipped to bounds.
func BlockRect(bx, by int, bs image.Point, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(bx*bs.X, by*bs.Y, (bx+1)*bs.X, (by+1)*bs.Y)
	return r.Intersect(bounds)
}

// ReasonableWorkers picks a default parallelism for block fan-out.
// Heuristic: 2×GOMAXPROCS clamped to [1..64]; block work is a mix of
// codec I/O (serialized per backend family) and in-memory conversion.
func ReasonableWorkers() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := 2 * p
	if n > 64 {
		n = 64
	}
	return n
}
