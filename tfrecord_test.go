package digitlm

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
)

// readTFRecords parses the TFRecord framing of the file at path: a little endian uint64 length,
// a length CRC, the data and a data CRC. The CRCs are not verified.
func readTFRecords(t *testing.T, path string) []*tensorflow.Example {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var examples []*tensorflow.Example
	for len(data) > 0 {
		if len(data) < 12 {
			t.Fatalf("%s: truncated record header", path)
		}
		n := int(binary.LittleEndian.Uint64(data[:8]))
		data = data[12:]
		if len(data) < n+4 {
			t.Fatalf("%s: truncated record", path)
		}

		var e tensorflow.Example
		if err := proto.Unmarshal(data[:n], &e); err != nil {
			t.Fatalf("%s: cannot unmarshal example: %v", path, err)
		}
		examples = append(examples, &e)
		data = data[n+4:]
	}
	return examples
}

func feature(e *tensorflow.Example, key string) *tensorflow.Feature {
	return e.GetFeatures().GetFeature()[key]
}

func bytesFeature(t *testing.T, e *tensorflow.Example, key string) [][]byte {
	t.Helper()
	l := feature(e, key).GetBytesList()
	if l == nil || len(l.Value) == 0 {
		t.Fatalf("example has no bytes feature %q", key)
	}
	return l.Value
}

func int64Feature(t *testing.T, e *tensorflow.Example, key string) []int64 {
	t.Helper()
	l := feature(e, key).GetInt64List()
	if l == nil {
		t.Fatalf("example has no int64 feature %q", key)
	}
	return l.Value
}

func floatFeature(t *testing.T, e *tensorflow.Example, key string) []float32 {
	t.Helper()
	l := feature(e, key).GetFloatList()
	if l == nil {
		t.Fatalf("example has no float feature %q", key)
	}
	return l.Value
}

func TestWriteTFRecord(t *testing.T) {
	ds := newTestDataset(t, 3, map[int]bool{1: true})
	path := filepath.Join(t.TempDir(), "train.tfrecord")

	var progress []int
	n, err := WriteTFRecord(context.Background(), path, ds, 1, 2, func(n int) {
		progress = append(progress, n)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("wrote %d examples, want 2", n)
	}
	if diff := cmp.Diff([]int{1, 2}, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	examples := readTFRecords(t, path)
	if len(examples) != 2 {
		t.Fatalf("file has %d examples, want 2", len(examples))
	}

	// Compare against the samples built directly.
	ds.Reset()
	for i, e := range examples {
		s, ok := ds.Next()
		if !ok {
			t.Fatal("dataset has fewer samples than the file")
		}

		if got := string(bytesFeature(t, e, FeatureFilename)[0]); got != s.Image {
			t.Errorf("example %d: filename %q, want %q", i, got, s.Image)
		}
		for _, key := range []string{FeatureWidth, FeatureHeight} {
			if got := int64Feature(t, e, key); !cmp.Equal(got, []int64{16}) {
				t.Errorf("example %d: %s = %v, want [16]", i, key, got)
			}
		}
		if got := int64Feature(t, e, FeatureNativeWidth); !cmp.Equal(got,
			[]int64{int64(s.Transform.NativeWidth)}) {
			t.Errorf("example %d: native width %v, want %d", i, got, s.Transform.NativeWidth)
		}
		if diff := cmp.Diff(s.Target, floatFeature(t, e, FeatureTarget)); diff != "" {
			t.Errorf("example %d: target mismatch (-want +got):\n%s", i, diff)
		}

		var order []string
		for _, v := range bytesFeature(t, e, FeatureOrder) {
			order = append(order, string(v))
		}
		if diff := cmp.Diff([]string(DefaultOrder()), order); diff != "" {
			t.Errorf("example %d: order mismatch (-want +got):\n%s", i, diff)
		}

		if got := string(bytesFeature(t, e, FeatureFormat)[0]); got != "png" {
			t.Errorf("example %d: format %q, want png", i, got)
		}
		img, err := png.Decode(bytes.NewReader(bytesFeature(t, e, FeatureEncoded)[0]))
		if err != nil {
			t.Fatalf("example %d: cannot decode image: %v", i, err)
		}
		if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
			t.Errorf("example %d: image is %dx%d, want 16x16", i, b.Dx(), b.Dy())
		}
	}
}

func TestWriteTFRecordShards(t *testing.T) {
	ds := newTestDataset(t, 5, nil)
	path := filepath.Join(t.TempDir(), "val.tfrecord")

	n, err := WriteTFRecord(context.Background(), path, ds, 3, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("wrote %d examples, want 5", n)
	}

	// Two examples per shard, the last one takes the rest.
	for idx, want := range []int{2, 2, 1} {
		shard := ShardPath(path, idx, 3)
		if got := len(readTFRecords(t, shard)); got != want {
			t.Errorf("%s has %d examples, want %d", shard, got, want)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("unsharded file %s exists", path)
	}
}

func TestWriteTFRecordCreatesEmptyTrailingShards(t *testing.T) {
	// Only the first record has an image, so the second shard gets no examples.
	ds := newTestDataset(t, 2, map[int]bool{1: true})
	path := filepath.Join(t.TempDir(), "train.tfrecord")

	if _, err := WriteTFRecord(context.Background(), path, ds, 2, 1, nil); err != nil {
		t.Fatal(err)
	}
	for idx, want := range []int{1, 0} {
		shard := ShardPath(path, idx, 2)
		if got := len(readTFRecords(t, shard)); got != want {
			t.Errorf("%s has %d examples, want %d", shard, got, want)
		}
	}
}

func TestWriteCustomTFRecord(t *testing.T) {
	ds := newTestDataset(t, 2, nil)
	path := filepath.Join(t.TempDir(), "train.tfrecord")

	n, err := WriteCustomTFRecord(context.Background(), path, ds, 1, 1,
		func(s Sample, m TFFeatureMap) error {
			m["image/split"] = "train"
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("wrote %d examples, want 2", n)
	}
	for i, e := range readTFRecords(t, path) {
		if got := string(bytesFeature(t, e, "image/split")[0]); got != "train" {
			t.Errorf("example %d: split %q, want train", i, got)
		}
	}
}

func TestWriteCustomTFRecordHookError(t *testing.T) {
	ds := newTestDataset(t, 3, nil)
	path := filepath.Join(t.TempDir(), "train.tfrecord")

	calls := 0
	n, err := WriteCustomTFRecord(context.Background(), path, ds, 1, 1,
		func(s Sample, m TFFeatureMap) error {
			calls++
			if calls == 2 {
				return errors.New("rejected")
			}
			return nil
		}, nil)
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("WriteCustomTFRecord error = %v, want the hook error", err)
	}
	if n != 1 {
		t.Errorf("wrote %d examples before the failure, want 1", n)
	}
}

func TestShardPath(t *testing.T) {
	if got := ShardPath("out/train.tfrecord", 0, 1); got != "out/train.tfrecord" {
		t.Errorf("ShardPath(single) = %q", got)
	}
	if got, want := ShardPath("out/train.tfrecord", 7, 12), "out/train.tfrecord-00007-of-00012"; got != want {
		t.Errorf("ShardPath = %q, want %q", got, want)
	}
}
