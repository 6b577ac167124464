package digitlm

// Construction of model input samples from annotation records.

import (
	"image"
	"path/filepath"

	"github.com/pkg/errors"
)

// Sample is one model input with its regression target.
type Sample struct {
	Image  string    // The record's image name.
	Size   int       // Width and height of the square input.
	Pixels []float32 // Size*Size*3 values in [0, 1], row-major, RGB interleaved.
	Target []float32 // Normalized x, y per landmark, in point order.

	// Canvas is the transformed image the pixels were read from.
	Canvas *image.NRGBA
	// Transform is the geometry that produced Canvas and Target.
	Transform Transform
}

// SampleBuilder turns records into samples. It holds no mutable state and is safe for concurrent
// use.
type SampleBuilder struct {
	imagesDir  string
	targetSize int
	letterbox  bool
	order      PointOrder
}

// NewSampleBuilder returns a builder that resolves record images under imagesDir and produces
// targetSize x targetSize samples.
func NewSampleBuilder(imagesDir string, targetSize int, letterbox bool,
	order PointOrder) (*SampleBuilder, error) {

	if targetSize <= 0 {
		return nil, errors.Errorf("invalid target size %d", targetSize)
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	return &SampleBuilder{
		imagesDir:  imagesDir,
		targetSize: targetSize,
		letterbox:  letterbox,
		order:      append(PointOrder(nil), order...),
	}, nil
}

// TargetSize returns the sample width and height.
func (b *SampleBuilder) TargetSize() int { return b.targetSize }

// Letterbox reports whether samples are letterboxed rather than stretched.
func (b *SampleBuilder) Letterbox() bool { return b.letterbox }

// Order returns a copy of the point order of sample targets.
func (b *SampleBuilder) Order() PointOrder { return append(PointOrder(nil), b.order...) }

// ImagePath resolves the image of rec.
func (b *SampleBuilder) ImagePath(rec Record) string {
	return filepath.Join(b.imagesDir, filepath.FromSlash(rec.Image))
}

// Build produces the sample for rec.
//
// If the image file does not exist, ok is false and err is nil. Decode failures are returned as
// errors.
func (b *SampleBuilder) Build(rec Record) (s Sample, ok bool, err error) {
	path := b.ImagePath(rec)
	if !fileExists(path) {
		return Sample{}, false, nil
	}

	points, err := rec.Points(b.order)
	if err != nil {
		return Sample{}, false, err
	}

	t, err := NewTransform(rec.Width, rec.Height, b.targetSize, b.letterbox)
	if err != nil {
		return Sample{}, false, errors.Wrapf(err, "record %q", rec.Image)
	}

	img, err := loadImage(path)
	if err != nil {
		return Sample{}, false, err
	}

	// Landmarks refer to the declared size, even if the file was resized after annotation.
	canvas := t.Apply(resizeToDeclared(img, rec.Width, rec.Height))

	target := make([]float32, 0, b.order.TargetLen())
	for _, p := range points {
		q := t.Normalize(p)
		target = append(target, float32(q[0]), float32(q[1]))
	}

	return Sample{
		Image:     rec.Image,
		Size:      b.targetSize,
		Pixels:    rgbPixels(canvas),
		Target:    target,
		Canvas:    canvas,
		Transform: t,
	}, true, nil
}

// rgbPixels returns the RGB channels of img scaled to [0, 1]. Alpha is dropped without
// compositing, as the NRGBA colour channels are not premultiplied.
func rgbPixels(img *image.NRGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out = append(out,
				float32(row[x])/255,
				float32(row[x+1])/255,
				float32(row[x+2])/255)
		}
	}
	return out
}
