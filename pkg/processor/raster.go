package processor

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/nainya/docsplit/pkg/annotation"
)

// burnRedactions paints opaque boxes over page-space rectangles. scale
// converts points to pixels of img.
func burnRedactions(img *image.RGBA, redactions []annotation.Redaction, scale float64) {
	black := image.NewUniform(color.Black)
	for _, r := range redactions {
		rect := r.Rect.Normalize()
		px := image.Rect(
			int(math.Floor(rect.X*scale)),
			int(math.Floor(rect.Y*scale)),
			int(math.Ceil((rect.X+rect.Width)*scale)),
			int(math.Ceil((rect.Y+rect.Height)*scale)),
		).Intersect(img.Bounds())
		if px.Empty() {
			continue
		}
		draw.Draw(img, px, black, image.Point{}, draw.Src)
	}
}

// rotate turns img clockwise by a quarter-turn multiple.
func rotate(img *image.RGBA, deg int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	switch deg {
	case 90, 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	default:
		return img
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			switch deg {
			case 90:
				dst.SetRGBA(h-1-y, x, c)
			case 180:
				dst.SetRGBA(w-1-x, h-1-y, c)
			case 270:
				dst.SetRGBA(y, w-1-x, c)
			}
		}
	}
	return dst
}
