// ABOUTME: Geometry primitives shared by the translator and the annotation model
// ABOUTME: Points, sizes, rectangles and the decoder-reported page viewport

package coords

import "math"

// Point is a 2D position. Whether it is in page or canvas space depends on
// which side of a Translator produced it.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle anchored at its top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the page geometry reported by the PDF decoder for the page
// currently displayed.
type Viewport struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Scale    float64 `json:"scale"`
	Rotation int     `json:"rotation"`
}

// Max returns the bottom-right corner.
func (r Rect) Max() Point {
	return Point{X: r.X + r.Width, Y: r.Y + r.Height}
}

// Size returns the rectangle's extent.
func (r Rect) Size() Size {
	return Size{Width: r.Width, Height: r.Height}
}

// Normalize returns an equivalent rectangle with non-negative width and height.
func (r Rect) Normalize() Rect {
	return RectFromCorners(Point{X: r.X, Y: r.Y}, r.Max())
}

// RectFromCorners builds the smallest rectangle containing both corners.
func RectFromCorners(a, b Point) Rect {
	minX, maxX := math.Min(a.X, b.X), math.Max(a.X, b.X)
	minY, maxY := math.Min(a.Y, b.Y), math.Max(a.Y, b.Y)
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// NormalizeRotation maps any multiple of 90 degrees into {0, 90, 180, 270}.
// The second result is false for angles that are not quarter turns.
func NormalizeRotation(deg int) (int, bool) {
	if deg%90 != 0 {
		return 0, false
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg, true
}

// IsQuarterTurn reports whether deg is exactly one of 0, 90, 180 or 270.
func IsQuarterTurn(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
