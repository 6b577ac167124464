package digitlm

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// newTestDataset writes an image for every record name except those in missing, and returns the
// dataset over all records.
func newTestDataset(t *testing.T, n int, missing map[int]bool) *Dataset {
	t.Helper()
	dir := t.TempDir()
	records := make([]Record, n)
	for i := range records {
		name := fmt.Sprintf("img%02d.png", i)
		records[i] = testRecord(name, 30+i, 20)
		if !missing[i] {
			writeTestImage(t, dir, name, createTestImage(30+i, 20, white))
		}
	}

	b, err := NewSampleBuilder(dir, 16, true, DefaultOrder())
	if err != nil {
		t.Fatal(err)
	}
	return NewDataset("train", records, b)
}

func drain(ds *Dataset) []string {
	var names []string
	for {
		s, ok := ds.Next()
		if !ok {
			return names
		}
		names = append(names, s.Image)
	}
}

func TestDatasetNextSkipsMissingImages(t *testing.T) {
	ds := newTestDataset(t, 5, map[int]bool{1: true, 3: true})
	if ds.Len() != 5 || ds.Name() != "train" {
		t.Fatalf("Len, Name = %d, %q; want 5, train", ds.Len(), ds.Name())
	}

	want := []string{"img00.png", "img02.png", "img04.png"}
	if diff := cmp.Diff(want, drain(ds)); diff != "" {
		t.Errorf("first pass mismatch (-want +got):\n%s", diff)
	}
	if ds.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", ds.Skipped())
	}

	// Exhausted until reset.
	if _, ok := ds.Next(); ok {
		t.Error("Next after the end returned a sample")
	}

	ds.Reset()
	if diff := cmp.Diff(want, drain(ds)); diff != "" {
		t.Errorf("second pass mismatch (-want +got):\n%s", diff)
	}
}

func TestDatasetAllImagesMissing(t *testing.T) {
	ds := newTestDataset(t, 3, map[int]bool{0: true, 1: true, 2: true})
	if names := drain(ds); len(names) != 0 {
		t.Errorf("got samples %v, want none", names)
	}

	var streamed int
	err := ds.Stream(context.Background(), 2, func(Sample) error {
		streamed++
		return nil
	})
	if err != nil || streamed != 0 {
		t.Errorf("Stream = %d samples, err %v; want 0 samples and no error", streamed, err)
	}
}

func TestDatasetStreamKeepsRecordOrder(t *testing.T) {
	missing := map[int]bool{4: true, 11: true}
	ds := newTestDataset(t, 20, missing)

	var want []string
	for i, r := range ds.Records() {
		if !missing[i] {
			want = append(want, r.Image)
		}
	}

	for _, workers := range []int{0, 1, 3, 8, 50} {
		var got []string
		err := ds.Stream(context.Background(), workers, func(s Sample) error {
			if len(s.Pixels) != 16*16*3 {
				return errors.Errorf("sample %q has %d values", s.Image, len(s.Pixels))
			}
			got = append(got, s.Image)
			return nil
		})
		if err != nil {
			t.Fatalf("workers=%d: %v", workers, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("workers=%d: order mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestDatasetStreamCallbackError(t *testing.T) {
	ds := newTestDataset(t, 12, nil)
	errStop := errors.New("stop")

	calls := 0
	err := ds.Stream(context.Background(), 4, func(Sample) error {
		calls++
		if calls == 3 {
			return errStop
		}
		return nil
	})
	if errors.Cause(err) != errStop {
		t.Errorf("Stream error = %v, want %v", err, errStop)
	}
	if calls != 3 {
		t.Errorf("callback ran %d times after failing, want 3", calls)
	}
}

func TestDatasetStreamCancelled(t *testing.T) {
	ds := newTestDataset(t, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ds.Stream(ctx, 2, func(Sample) error { return nil })
	if err != context.Canceled {
		t.Errorf("Stream error = %v, want %v", err, context.Canceled)
	}
}
