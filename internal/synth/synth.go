// Package synth builds synthetic images for benchmarks and examples.
package synth

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/lucasb-eyer/go-colorful"
)

// HSVWheel paints hue by angle around the center and value by radius.
func HSVWheel(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cx, cy := float64(w)/2, float64(h)/2
	rmax := math.Hypot(cx, cy)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			hue := math.Mod(math.Atan2(dy, dx)*180/math.Pi+360, 360)
			val := 1 - 0.8*math.Hypot(dx, dy)/rmax
			r, g, b := colorful.Hsv(hue, 0.9, val).RGB255()
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// Blur is a deliberately costly upstream computation: a Gaussian blur.
func Blur(img image.Image, radius float64) *image.RGBA {
	return blur.Gaussian(img, radius)
}
