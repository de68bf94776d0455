// ABOUTME: Page-space <-> canvas-space coordinate translation
// ABOUTME: Accounts for canvas scaling, zoom percentage and user rotation previews

package coords

import (
	"errors"
	"fmt"
	"math"

	"seehuhn.de/go/geom/matrix"
)

// MinimumScreenPixels is the smallest on-screen extent an annotation may have.
const MinimumScreenPixels = 5.0

var (
	// ErrDegenerateGeometry is returned when a viewport, canvas or zoom
	// would make the transform singular.
	ErrDegenerateGeometry = errors.New("coords: degenerate geometry")

	// ErrInvalidRotation is returned for rotations that are not quarter turns.
	ErrInvalidRotation = errors.New("coords: rotation must be a multiple of 90 degrees")
)

// Config describes the display state the translator converts against.
type Config struct {
	Viewport  Viewport
	Canvas    Size    // rendered pixel size
	ZoomLevel float64 // percent, 100 = 1:1; zero means 100

	// PageRotation is the user's preview rotation. The viewport dimensions
	// are taken as already reflecting the page's intrinsic rotation, so
	// Viewport.Rotation is informational and not applied again.
	PageRotation int
}

// Update carries a partial settings change. Nil fields keep their value.
type Update struct {
	Viewport     *Viewport
	Canvas       *Size
	ZoomLevel    *float64
	PageRotation *int
}

// Translator converts points and rectangles between page and canvas space.
// It is not safe for concurrent mutation via UpdateSettings.
type Translator struct {
	cfg      Config
	rotation int

	scaleX, scaleY float64
	toCanvas       matrix.Matrix
	toPage         matrix.Matrix
}

// New builds a translator. Degenerate geometry aborts construction.
func New(cfg Config) (*Translator, error) {
	t := &Translator{}
	if err := t.apply(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateSettings changes any subset of the settings. On error the previous
// settings remain in effect.
func (t *Translator) UpdateSettings(u Update) error {
	cfg := t.cfg
	if u.Viewport != nil {
		cfg.Viewport = *u.Viewport
	}
	if u.Canvas != nil {
		cfg.Canvas = *u.Canvas
	}
	if u.ZoomLevel != nil {
		cfg.ZoomLevel = *u.ZoomLevel
	}
	if u.PageRotation != nil {
		cfg.PageRotation = *u.PageRotation
	}
	return t.apply(cfg)
}

// Config returns the settings currently in effect.
func (t *Translator) Config() Config {
	return t.cfg
}

// Rotation returns the normalized extra page rotation in degrees.
func (t *Translator) Rotation() int {
	return t.rotation
}

func (t *Translator) apply(cfg Config) error {
	if cfg.ZoomLevel == 0 {
		cfg.ZoomLevel = 100
	}
	if !positive(cfg.Viewport.Width) || !positive(cfg.Viewport.Height) {
		return fmt.Errorf("%w: viewport %gx%g", ErrDegenerateGeometry, cfg.Viewport.Width, cfg.Viewport.Height)
	}
	if !positive(cfg.Canvas.Width) || !positive(cfg.Canvas.Height) {
		return fmt.Errorf("%w: canvas %gx%g", ErrDegenerateGeometry, cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if !positive(cfg.ZoomLevel) {
		return fmt.Errorf("%w: zoom %g%%", ErrDegenerateGeometry, cfg.ZoomLevel)
	}
	rot, ok := NormalizeRotation(cfg.PageRotation)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidRotation, cfg.PageRotation)
	}

	zoom := cfg.ZoomLevel / 100
	sx := cfg.Canvas.Width / cfg.Viewport.Width * zoom
	sy := cfg.Canvas.Height / cfg.Viewport.Height * zoom

	cx, cy := cfg.Viewport.Width/2, cfg.Viewport.Height/2
	scale := matrix.Scale(sx, sy)
	unscale := matrix.Scale(1/sx, 1/sy)

	if rot == 0 {
		t.toCanvas = scale
		t.toPage = unscale
	} else {
		// rotate about the page centre, then scale
		t.toCanvas = matrix.Translate(-cx, -cy).
			Mul(quarterTurn(rot)).
			Mul(matrix.Translate(cx, cy)).
			Mul(scale)
		t.toPage = unscale.
			Mul(matrix.Translate(-cx, -cy)).
			Mul(quarterTurn(360 - rot)).
			Mul(matrix.Translate(cx, cy))
	}

	t.cfg = cfg
	t.rotation = rot
	t.scaleX, t.scaleY = sx, sy
	return nil
}

// quarterTurn returns an exact rotation matrix for 90, 180 or 270 degrees,
// avoiding the rounding noise of sin/cos.
func quarterTurn(deg int) matrix.Matrix {
	switch deg % 360 {
	case 90:
		return matrix.Matrix{0, 1, -1, 0, 0, 0}
	case 180:
		return matrix.Matrix{-1, 0, 0, -1, 0, 0}
	case 270:
		return matrix.Matrix{0, -1, 1, 0, 0, 0}
	}
	return matrix.Identity
}

// PageToCanvas maps a page-space point to canvas pixels.
func (t *Translator) PageToCanvas(p Point) Point {
	x, y := t.toCanvas.Apply(p.X, p.Y)
	return Point{X: x, Y: y}
}

// CanvasToPage maps a canvas pixel position back to page space.
func (t *Translator) CanvasToPage(p Point) Point {
	x, y := t.toPage.Apply(p.X, p.Y)
	return Point{X: x, Y: y}
}

// RectPageToCanvas transforms both corners and re-normalizes, since a
// rotation can swap which corner is top-left.
func (t *Translator) RectPageToCanvas(r Rect) Rect {
	return RectFromCorners(
		t.PageToCanvas(Point{X: r.X, Y: r.Y}),
		t.PageToCanvas(r.Max()),
	)
}

// RectCanvasToPage is the inverse of RectPageToCanvas.
func (t *Translator) RectCanvasToPage(r Rect) Rect {
	return RectFromCorners(
		t.CanvasToPage(Point{X: r.X, Y: r.Y}),
		t.CanvasToPage(r.Max()),
	)
}

// ScaleFactor is the mean of the x and y scale, zoom included. Use it for
// non-geometric quantities such as stroke widths.
func (t *Translator) ScaleFactor() float64 {
	return (t.scaleX + t.scaleY) / 2
}

// PageSize returns the page extent in page units.
func (t *Translator) PageSize() Size {
	return Size{Width: t.cfg.Viewport.Width, Height: t.cfg.Viewport.Height}
}

// IsWithinPageBounds reports whether p lies on the page, edges included.
func (t *Translator) IsWithinPageBounds(p Point) bool {
	return p.X >= 0 && p.Y >= 0 &&
		p.X <= t.cfg.Viewport.Width && p.Y <= t.cfg.Viewport.Height
}

// ClampToPageBounds moves p onto the nearest point of the page.
func (t *Translator) ClampToPageBounds(p Point) Point {
	return Point{
		X: clamp(p.X, 0, t.cfg.Viewport.Width),
		Y: clamp(p.Y, 0, t.cfg.Viewport.Height),
	}
}

// ClampRectToPageBounds clips r to the page. The result may be empty.
func (t *Translator) ClampRectToPageBounds(r Rect) Rect {
	r = r.Normalize()
	return RectFromCorners(
		t.ClampToPageBounds(Point{X: r.X, Y: r.Y}),
		t.ClampToPageBounds(r.Max()),
	)
}

// MinimumSize converts the fixed on-screen floor into page units, so the
// smallest allowed annotation looks the same at every zoom level. Each page
// axis gets its own floor; a quarter turn maps page width onto canvas height.
func (t *Translator) MinimumSize() Size {
	sx, sy := t.scaleX, t.scaleY
	if t.rotation == 90 || t.rotation == 270 {
		sx, sy = sy, sx
	}
	return Size{Width: MinimumScreenPixels / sx, Height: MinimumScreenPixels / sy}
}

// DefaultMinimumSize is the on-screen floor at 1:1 scale and 100% zoom,
// used when no display state is known.
func DefaultMinimumSize() Size {
	return Size{Width: MinimumScreenPixels, Height: MinimumScreenPixels}
}

// SnapToPixel rounds canvas coordinates for crisp rendering. The result must
// not be fed back into page-space math.
func SnapToPixel(p Point) Point {
	return Point{X: math.Round(p.X), Y: math.Round(p.Y)}
}

// SnapRectToPixel rounds a canvas rectangle's corners.
func SnapRectToPixel(r Rect) Rect {
	return RectFromCorners(SnapToPixel(Point{X: r.X, Y: r.Y}), SnapToPixel(r.Max()))
}

func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 1) && !math.IsNaN(f)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
