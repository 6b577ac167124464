package digitlm

// Preview images of samples with their landmarks drawn on top.

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/llgcode/draw2d/draw2dimg"
	"github.com/llgcode/draw2d/draw2dkit"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	markerOutline = color.RGBA{0xff, 0xff, 0xff, 0xff}
	labelColor    = color.RGBA{0xff, 0xff, 0xff, 0xff}
	defaultMarker = color.RGBA{0x2b, 0x5d, 0xff, 0xff}

	landmarkColors = map[string]color.RGBA{
		IndexBase: {0x2e, 0xcc, 0x71, 0xff},
		IndexTip:  {0x27, 0xae, 0x60, 0xff},
		RingBase:  {0x9b, 0x59, 0xb6, 0xff},
		RingTip:   {0x8e, 0x44, 0xad, 0xff},
	}

	// Finger segments, drawn from base to tip.
	fingerSegments = [][2]string{
		{IndexBase, IndexTip},
		{RingBase, RingTip},
	}
)

// targetPoints returns the sample target in canvas pixels, keyed by landmark name.
func targetPoints(s Sample, order PointOrder) map[string]Point {
	size := float64(s.Size)
	points := make(map[string]Point, len(order))
	for i, name := range order {
		if 2*i+1 >= len(s.Target) {
			break
		}
		points[name] = Point{float64(s.Target[2*i]) * size, float64(s.Target[2*i+1]) * size}
	}
	return points
}

// RenderPreview draws the landmarks of s onto a copy of its canvas: the index and ring finger
// segments, a marker per landmark and the landmark names.
func RenderPreview(s Sample, order PointOrder) *image.NRGBA {
	b := s.Canvas.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, s.Canvas, b.Min, draw.Src)

	points := targetPoints(s, order)
	size := float64(s.Size)
	radius := math.Max(3, size/80)

	gc := draw2dimg.NewGraphicContext(dst)
	gc.SetLineWidth(math.Max(1, size/200))

	for _, seg := range fingerSegments {
		from, ok1 := points[seg[0]]
		to, ok2 := points[seg[1]]
		if !ok1 || !ok2 {
			continue
		}
		gc.BeginPath()
		gc.SetStrokeColor(landmarkColors[seg[0]])
		gc.MoveTo(from[0], from[1])
		gc.LineTo(to[0], to[1])
		gc.Stroke()
	}

	for _, name := range order {
		p, ok := points[name]
		if !ok {
			continue
		}
		fill, ok := landmarkColors[name]
		if !ok {
			fill = defaultMarker
		}
		gc.BeginPath()
		gc.SetFillColor(fill)
		gc.SetStrokeColor(markerOutline)
		draw2dkit.Circle(gc, p[0], p[1], radius)
		gc.FillStroke()
	}

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
	}
	for _, name := range order {
		p, ok := points[name]
		if !ok {
			continue
		}
		d.Dot = fixed.P(int(p[0]+radius+2), int(p[1]+4))
		d.DrawString(name)
	}

	return imaging.Clone(dst)
}

// SavePreview saves a preview image to path. The encoding follows the file extension: png, jpg,
// jpeg or webp. quality applies to the lossy encodings.
func SavePreview(path string, img image.Image, quality int) error {
	return saveImage(path, img, quality)
}
