// ABOUTME: Directory of per-page TIFF rasters acting as page source and output sink
// ABOUTME: Pages live at <root>/<documentID>/<page>.tif

package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/nainya/docsplit/pkg/coords"
)

// PointsPerInch is the page-space unit density.
const PointsPerInch = 72.0

var (
	// ErrInvalidDocumentID indicates an id that cannot name a directory
	ErrInvalidDocumentID = errors.New("processor: invalid document id")

	// ErrPageNotFound indicates a page outside the stored document
	ErrPageNotFound = errors.New("processor: page not found")
)

// PageInfo describes one source page in page space.
type PageInfo struct {
	Size     coords.Size
	Rotation int // intrinsic rotation of the page
}

// PageSource renders document pages.
type PageSource interface {
	PageCount(ctx context.Context, documentID string) (int, error)
	Page(ctx context.Context, documentID string, page int) (PageInfo, error)
	// Render rasterizes a page at dpi, unrotated.
	Render(ctx context.Context, documentID string, page int, dpi float64) (*image.RGBA, error)
}

// PageSink stores output pages.
type PageSink interface {
	WritePage(ctx context.Context, documentID string, page int, img image.Image) error
}

// TIFFStore implements PageSource and PageSink over a directory tree.
type TIFFStore struct {
	Root string
	DPI  float64 // resolution the stored rasters were scanned at
}

// NewTIFFStore creates a store rooted at root. A non-positive dpi means 300.
func NewTIFFStore(root string, dpi float64) *TIFFStore {
	if dpi <= 0 {
		dpi = 300
	}
	return &TIFFStore{Root: root, DPI: dpi}
}

func (s *TIFFStore) docDir(documentID string) (string, error) {
	if documentID == "" || documentID == "." || documentID == ".." ||
		strings.ContainsAny(documentID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return filepath.Join(s.Root, documentID), nil
}

func (s *TIFFStore) pagePath(documentID string, page int) (string, error) {
	dir, err := s.docDir(documentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%04d.tif", page)), nil
}

// PageCount counts the contiguous pages stored for a document.
func (s *TIFFStore) PageCount(ctx context.Context, documentID string) (int, error) {
	dir, err := s.docDir(documentID)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	pages := make(map[int]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".tif") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(name, ".tif")); err == nil {
			pages[n] = true
		}
	}
	n := 0
	for pages[n] {
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s has no pages", ErrPageNotFound, documentID)
	}
	return n, nil
}

// Page reads the raster header and reports its size in points.
func (s *TIFFStore) Page(ctx context.Context, documentID string, page int) (PageInfo, error) {
	path, err := s.pagePath(documentID, page)
	if err != nil {
		return PageInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PageInfo{}, fmt.Errorf("%w: %s page %d", ErrPageNotFound, documentID, page)
		}
		return PageInfo{}, err
	}
	defer f.Close()

	cfg, err := tiff.DecodeConfig(f)
	if err != nil {
		return PageInfo{}, fmt.Errorf("processor: %s page %d: %w", documentID, page, err)
	}
	return PageInfo{
		Size: coords.Size{
			Width:  float64(cfg.Width) * PointsPerInch / s.DPI,
			Height: float64(cfg.Height) * PointsPerInch / s.DPI,
		},
	}, nil
}

// Render decodes a page and resamples it to dpi.
func (s *TIFFStore) Render(ctx context.Context, documentID string, page int, dpi float64) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pagePath(documentID, page)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s page %d", ErrPageNotFound, documentID, page)
		}
		return nil, err
	}
	defer f.Close()

	src, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("processor: decode %s page %d: %w", documentID, page, err)
	}
	return resample(src, dpi/s.DPI), nil
}

// WritePage encodes img as a deflate-compressed TIFF.
func (s *TIFFStore) WritePage(ctx context.Context, documentID string, page int, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pagePath(documentID, page)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("processor: encode %s page %d: %w", documentID, page, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// resample copies src into a fresh RGBA image scaled by factor.
func resample(src image.Image, factor float64) *image.RGBA {
	b := src.Bounds()
	w := int(float64(b.Dx())*factor + 0.5)
	h := int(float64(b.Dy())*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
