package digitlm

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// createTestImage returns a width x height image filled with c.
func createTestImage(width, height int, c color.NRGBA) *image.NRGBA {
	return imaging.New(width, height, c)
}

// writeTestImage saves img under dir and returns its path.
func writeTestImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("cannot save test image: %v", err)
	}
	return path
}

// testRecord returns a record with the default landmarks spread over a width x height image.
func testRecord(name string, width, height int) Record {
	w, h := float64(width), float64(height)
	return Record{
		Image:  name,
		Width:  width,
		Height: height,
		Landmarks: map[string]Point{
			IndexBase: {0.25 * w, 0.75 * h},
			IndexTip:  {0.25 * w, 0.25 * h},
			RingBase:  {0.75 * w, 0.75 * h},
			RingTip:   {0.75 * w, 0.2 * h},
		},
	}
}

var (
	black = color.NRGBA{0, 0, 0, 255}
	white = color.NRGBA{255, 255, 255, 255}
	red   = color.NRGBA{255, 0, 0, 255}
)
