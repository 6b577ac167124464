package digitlm

// The model config persisted next to prepared data, and decoding of model output with it.

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ModelConfigFile is the file name of the model config in an output directory.
const ModelConfigFile = "model_config.json"

// InputSize is the model input resolution.
type InputSize struct {
	Width  int `json:"width" validate:"gt=0"`
	Height int `json:"height" validate:"gt=0"`
}

// OutputSpec describes the layout of the model output vector.
type OutputSpec struct {
	Normalized bool `json:"normalized"`
	Stride     int  `json:"stride" validate:"gt=0"`
}

// ModelConfig tells an inference client how to prepare input and read output.
type ModelConfig struct {
	InputSize InputSize  `json:"inputSize"`
	Letterbox bool       `json:"letterbox"`
	Order     PointOrder `json:"order" validate:"required,min=1,dive,required"`
	Output    OutputSpec `json:"output"`
}

// NewModelConfig returns the config for a square targetSize input.
func NewModelConfig(targetSize int, letterbox bool, order PointOrder) ModelConfig {
	return ModelConfig{
		InputSize: InputSize{Width: targetSize, Height: targetSize},
		Letterbox: letterbox,
		Order:     append(PointOrder(nil), order...),
		Output:    OutputSpec{Normalized: true, Stride: 2},
	}
}

// Validate checks the config fields.
func (c ModelConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid model config")
	}
	if err := c.Order.Validate(); err != nil {
		return errors.Wrap(err, "invalid model config")
	}
	if c.InputSize.Width != c.InputSize.Height {
		return errors.Errorf("invalid model config: input size %dx%d is not square",
			c.InputSize.Width, c.InputSize.Height)
	}
	return nil
}

// WriteModelConfig writes c to path as two-space indented JSON without a trailing newline.
func WriteModelConfig(path string, c ModelConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return writeJSON(path, c)
}

// ReadModelConfig reads and validates the model config at path.
func ReadModelConfig(path string) (ModelConfig, error) {
	enc, err := readFile(path)
	if err != nil {
		return ModelConfig{}, errors.Wrapf(err, "cannot read model config %q", path)
	}

	var c ModelConfig
	if err := json.Unmarshal(enc, &c); err != nil {
		return ModelConfig{}, errors.Wrapf(err, "cannot parse model config %q", path)
	}
	if err := c.Validate(); err != nil {
		return ModelConfig{}, err
	}

	return c, nil
}

// Transform returns the input transform for an image of the given native size.
func (c ModelConfig) Transform(nativeWidth, nativeHeight int) (Transform, error) {
	return NewTransform(nativeWidth, nativeHeight, c.InputSize.Width, c.Letterbox)
}

// DecodeOutput maps a model output vector back to native pixel coordinates of an image with the
// given size. Points are clamped to the image rectangle.
func (c ModelConfig) DecodeOutput(output []float32, nativeWidth, nativeHeight int) (
	map[string]Point, error) {

	stride := c.Output.Stride
	if stride < 2 {
		return nil, errors.Errorf("output stride %d is less than 2", stride)
	}
	if want := stride * len(c.Order); len(output) < want {
		return nil, errors.Errorf("model output has %d values, expected at least %d",
			len(output), want)
	}

	t, err := c.Transform(nativeWidth, nativeHeight)
	if err != nil {
		return nil, err
	}

	points := make(map[string]Point, len(c.Order))
	for i, name := range c.Order {
		x := float64(output[i*stride])
		y := float64(output[i*stride+1])
		if math.IsNaN(x) || math.IsNaN(y) {
			return nil, errors.Errorf("model output for %q is not a number", name)
		}
		if c.Output.Normalized {
			x *= float64(c.InputSize.Width)
			y *= float64(c.InputSize.Height)
		}
		points[name] = t.UnmapPoint(Point{x, y})
	}

	return points, nil
}

// ReadModelOutput reads a JSON array of numbers, as produced by an inference run.
func ReadModelOutput(path string) ([]float32, error) {
	var enc []byte
	var err error
	if path == "-" {
		enc, err = ioutil.ReadAll(os.Stdin)
	} else {
		enc, err = readFile(filepath.Clean(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read model output %q", path)
	}

	var output []float32
	if err := json.Unmarshal(enc, &output); err != nil {
		return nil, errors.Wrapf(err, "cannot parse model output %q", path)
	}
	return output, nil
}
