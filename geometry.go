package digitlm

// The geometry transform shared by pixels and landmark labels.
//
// A Transform maps the native (declared) image rectangle onto a square TargetSize canvas. Pixels
// are resampled with Apply and labels are moved with MapPoint; both read the same scale and offset
// fields, so label coordinates always follow the image content.

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// padColor fills the letterbox borders.
var padColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// Transform is the resize (and, in letterbox mode, pad) operation for one image.
type Transform struct {
	NativeWidth, NativeHeight   int
	TargetSize                  int
	Letterbox                   bool
	ScaleX, ScaleY              float64 // Equal in letterbox mode.
	ResizedWidth, ResizedHeight int     // Size of the resampled content before padding.
	OffsetX, OffsetY            int     // Top-left of the content on the canvas, after scaling.
}

// NewTransform computes the transform from a nativeWidth x nativeHeight image to a targetSize
// square.
//
// With letterbox, the image is scaled by min(T/w, T/h), which preserves its aspect ratio, and
// centred on a black canvas. Without it, the image is stretched with independent horizontal and
// vertical scale factors T/w and T/h.
func NewTransform(nativeWidth, nativeHeight, targetSize int, letterbox bool) (Transform, error) {
	if nativeWidth <= 0 || nativeHeight <= 0 {
		return Transform{}, errors.Errorf("invalid native size %dx%d", nativeWidth, nativeHeight)
	}
	if targetSize <= 0 {
		return Transform{}, errors.Errorf("invalid target size %d", targetSize)
	}

	t := Transform{
		NativeWidth:  nativeWidth,
		NativeHeight: nativeHeight,
		TargetSize:   targetSize,
		Letterbox:    letterbox,
	}
	size := float64(targetSize)

	if !letterbox {
		t.ScaleX = size / float64(nativeWidth)
		t.ScaleY = size / float64(nativeHeight)
		t.ResizedWidth = targetSize
		t.ResizedHeight = targetSize
		return t, nil
	}

	scale := math.Min(size/float64(nativeWidth), size/float64(nativeHeight))
	t.ScaleX = scale
	t.ScaleY = scale
	t.ResizedWidth = clampInt(int(math.Round(float64(nativeWidth)*scale)), 1, targetSize)
	t.ResizedHeight = clampInt(int(math.Round(float64(nativeHeight)*scale)), 1, targetSize)
	t.OffsetX = (targetSize - t.ResizedWidth) / 2
	t.OffsetY = (targetSize - t.ResizedHeight) / 2

	return t, nil
}

// Apply resamples img, which must already have the native size, onto the target canvas.
func (t Transform) Apply(img image.Image) *image.NRGBA {
	resized := imaging.Resize(img, t.ResizedWidth, t.ResizedHeight, resampleFilter)
	if !t.Letterbox {
		return resized
	}

	canvas := imaging.New(t.TargetSize, t.TargetSize, padColor)
	return imaging.Paste(canvas, resized, image.Pt(t.OffsetX, t.OffsetY))
}

// MapPoint moves a native pixel coordinate to target pixel coordinates.
func (t Transform) MapPoint(p Point) Point {
	return Point{
		p[0]*t.ScaleX + float64(t.OffsetX),
		p[1]*t.ScaleY + float64(t.OffsetY),
	}
}

// Normalize maps p to the target canvas and divides by the target size.
func (t Transform) Normalize(p Point) Point {
	q := t.MapPoint(p)
	size := float64(t.TargetSize)
	return Point{q[0] / size, q[1] / size}
}

// UnmapPoint is the inverse of MapPoint. The result is clamped to the native image rectangle, so
// points predicted on the letterbox padding land on the nearest image edge.
func (t Transform) UnmapPoint(p Point) Point {
	x := (p[0] - float64(t.OffsetX)) / t.ScaleX
	y := (p[1] - float64(t.OffsetY)) / t.ScaleY
	return Point{
		clampFloat(x, 0, float64(t.NativeWidth)),
		clampFloat(y, 0, float64(t.NativeHeight)),
	}
}

// Denormalize is the inverse of Normalize.
func (t Transform) Denormalize(p Point) Point {
	size := float64(t.TargetSize)
	return t.UnmapPoint(Point{p[0] * size, p[1] * size})
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
