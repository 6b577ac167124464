package digitlm

// The split manifest written by a prepare run.

import (
	"time"

	"github.com/pkg/errors"
)

// SplitManifestFile is the file name of the split manifest in an output directory.
const SplitManifestFile = "split.json"

// TrainerOptions are passed through to the external trainer. They do not affect the prepared
// data.
type TrainerOptions struct {
	Epochs               int     `json:"epochs" yaml:"epochs" validate:"gte=0"`
	FreezeBaseEpochs     int     `json:"freezeBaseEpochs" yaml:"freeze_base_epochs" validate:"gte=0"`
	BatchSize            int     `json:"batchSize" yaml:"batch_size" validate:"gt=0"`
	BaseLearningRate     float64 `json:"baseLearningRate" yaml:"base_lr" validate:"gt=0"`
	FineTuneLearningRate float64 `json:"fineTuneLearningRate" yaml:"fine_tune_lr" validate:"gt=0"`
}

// TotalEpochs is the epoch count of the full schedule: the frozen-base phase never exceeds it.
func (o TrainerOptions) TotalEpochs() int {
	if o.FreezeBaseEpochs > o.Epochs {
		return o.FreezeBaseEpochs
	}
	return o.Epochs
}

// SplitSummary describes one side of the split.
type SplitSummary struct {
	Records int      `json:"records"`          // Records assigned to the split.
	Samples int      `json:"samples"`          // Samples actually exported.
	Shards  int      `json:"shards,omitempty"` // TFRecord shards.
	Path    string   `json:"path,omitempty"`   // TFRecord path, without shard suffix.
	Images  []string `json:"images"`           // Record images in order.
}

// Manifest records how a prepared dataset was produced.
type Manifest struct {
	RunID       string         `json:"runId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Annotations string         `json:"annotations"`
	ImagesDir   string         `json:"imagesDir"`
	Seed        int64          `json:"seed"`
	ValFraction float64        `json:"valFraction"`
	InputSize   int            `json:"inputSize"`
	Letterbox   bool           `json:"letterbox"`
	Order       PointOrder     `json:"order"`
	Train       SplitSummary   `json:"train"`
	Val         SplitSummary   `json:"val"`
	Trainer     TrainerOptions `json:"trainer"`
	TotalEpochs int            `json:"totalEpochs"`
}

// NewSplitSummary summarizes the records of a split side. Samples and output paths are filled in
// after export.
func NewSplitSummary(records []Record) SplitSummary {
	images := make([]string, len(records))
	for i, r := range records {
		images[i] = r.Image
	}
	return SplitSummary{Records: len(records), Images: images}
}

// WriteSplitManifest validates the trainer options of m and writes m to path as indented JSON.
func WriteSplitManifest(path string, m Manifest) error {
	if err := validate.Struct(m.Trainer); err != nil {
		return errors.Wrap(err, "invalid trainer options")
	}
	m.TotalEpochs = m.Trainer.TotalEpochs()
	return writeJSON(path, m)
}

// ReadSplitManifest reads the manifest at path.
func ReadSplitManifest(path string) (Manifest, error) {
	enc, err := readFile(path)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "cannot read manifest %q", path)
	}

	var m Manifest
	if err := json.Unmarshal(enc, &m); err != nil {
		return Manifest{}, errors.Wrapf(err, "cannot parse manifest %q", path)
	}
	return m, nil
}
