package digitlm

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp" // Registers the WebP decoder with package image.
)

// resampleFilter is the filter for every resize in the pipeline.
var resampleFilter = imaging.Linear

// resizeToDeclared resamples img to width x height if its intrinsic size differs. Landmarks are
// annotated against the declared size, so that size is authoritative.
func resizeToDeclared(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, resampleFilter)
}

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer closeWithErrCheck(file, &err)

	return image.DecodeConfig(file)
}

// loadImage reads and decodes the image at path. EXIF orientation is not applied, matching the
// pixel grid the annotations were made on.
func loadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode for files the registered decoder rejects.
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		f, ferr := os.Open(path)
		if ferr != nil {
			return nil, ferr
		}
		defer f.Close()
		if img, werr := webp.Decode(f); werr == nil {
			return img, nil
		}
	}

	return nil, errors.Wrapf(err, "cannot decode image %q", path)
}

// saveImage saves the image to path, encoding it as PNG, JPEG or WebP depending on the file
// extension of path.
func saveImage(path string, img image.Image, quality int) (err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return imaging.Save(img, path)
	case ".jpg", ".jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	case ".webp":
		f, ferr := os.Create(path)
		if ferr != nil {
			return ferr
		}
		defer closeWithErrCheck(f, &err)
		return webp.Encode(f, img, &webp.Options{Quality: float32(quality)})
	default:
		return errors.Errorf("unsupported image encoding for %q", path)
	}
}
