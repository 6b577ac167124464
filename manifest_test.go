package digitlm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestWriteSplitManifest(t *testing.T) {
	train, val, err := SplitRecords(namedRecords(10), 0.2, 42)
	if err != nil {
		t.Fatal(err)
	}

	m := Manifest{
		RunID:       "run-1",
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Seed:        42,
		ValFraction: 0.2,
		InputSize:   256,
		Letterbox:   true,
		Order:       DefaultOrder(),
		Train:       NewSplitSummary(train),
		Val:         NewSplitSummary(val),
		Trainer: TrainerOptions{
			Epochs:               3,
			FreezeBaseEpochs:     5,
			BatchSize:            16,
			BaseLearningRate:     1e-3,
			FineTuneLearningRate: 1e-4,
		},
	}
	path := filepath.Join(t.TempDir(), SplitManifestFile)
	if err := WriteSplitManifest(path, m); err != nil {
		t.Fatal(err)
	}

	got, err := ReadSplitManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalEpochs != 5 {
		t.Errorf("TotalEpochs = %d, want 5", got.TotalEpochs)
	}
	if diff := cmp.Diff([]string{"r3.jpg", "r8.jpg"}, got.Val.Images); diff != "" {
		t.Errorf("val images mismatch (-want +got):\n%s", diff)
	}
	if got.Train.Records != 8 || got.Val.Records != 2 {
		t.Errorf("records = train %d, val %d; want 8, 2", got.Train.Records, got.Val.Records)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) || got.RunID != m.RunID {
		t.Errorf("run = %q at %v, want %q at %v", got.RunID, got.CreatedAt, m.RunID, m.CreatedAt)
	}
}

func TestWriteSplitManifestRejectsInvalidTrainerOptions(t *testing.T) {
	valid := TrainerOptions{Epochs: 3, BatchSize: 16, BaseLearningRate: 1e-3,
		FineTuneLearningRate: 1e-4}
	tests := map[string]func(o *TrainerOptions){
		"zero batch size":        func(o *TrainerOptions) { o.BatchSize = 0 },
		"negative epochs":        func(o *TrainerOptions) { o.Epochs = -1 },
		"negative freeze epochs": func(o *TrainerOptions) { o.FreezeBaseEpochs = -2 },
		"zero base rate":         func(o *TrainerOptions) { o.BaseLearningRate = 0 },
		"negative fine-tune":     func(o *TrainerOptions) { o.FineTuneLearningRate = -1e-4 },
	}
	for name, modify := range tests {
		o := valid
		modify(&o)
		path := filepath.Join(t.TempDir(), SplitManifestFile)
		if err := WriteSplitManifest(path, Manifest{Trainer: o}); err == nil {
			t.Errorf("%s: WriteSplitManifest succeeded", name)
		}
		if fileExists(path) {
			t.Errorf("%s: manifest written despite invalid options", name)
		}
	}

	path := filepath.Join(t.TempDir(), SplitManifestFile)
	if err := WriteSplitManifest(path, Manifest{Trainer: valid}); err != nil {
		t.Errorf("WriteSplitManifest(valid) = %v", err)
	}
}
