package digitlm

// TFRecord export of prepared landmark samples.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow

	"github.com/sensorable/digitlm/internal/log"
)

// Feature keys of exported examples.
const (
	FeatureFilename     = "image/filename"
	FeatureHeight       = "image/height"
	FeatureWidth        = "image/width"
	FeatureEncoded      = "image/encoded"
	FeatureFormat       = "image/format"
	FeatureNativeWidth  = "image/native/width"
	FeatureNativeHeight = "image/native/height"
	FeatureTarget       = "landmarks/target"
	FeatureOrder        = "landmarks/order"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures converts a sample to the feature map of its tf.Example. The image is stored as the
// PNG encoding of the transformed canvas, so a trainer reads exactly the pixels of the sample.
func toTFFeatures(s Sample, order PointOrder) (TFFeatureMap, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, s.Canvas, imaging.PNG); err != nil {
		return nil, errors.Wrapf(err, "cannot encode %q", s.Image)
	}

	f := make(TFFeatureMap, 16)
	f[FeatureFilename] = s.Image
	f[FeatureHeight] = s.Size
	f[FeatureWidth] = s.Size
	f[FeatureEncoded] = buf.Bytes()
	f[FeatureFormat] = "png"
	f[FeatureNativeWidth] = s.Transform.NativeWidth
	f[FeatureNativeHeight] = s.Transform.NativeHeight
	f[FeatureTarget] = append([]float32(nil), s.Target...)
	f[FeatureOrder] = []string(order)

	return f, nil
}

// ShardPath returns the path of shard idx of numShards for the record file at path.
func ShardPath(path string, idx, numShards int) string {
	if numShards <= 1 {
		return path
	}
	return path + fmt.Sprintf("-%05d-of-%05d", idx, numShards)
}

// WriteCustomTFRecord works like WriteTFRecord, except that customiseFeature, if not nil, may
// modify the feature map of every sample before it is serialised, as long as all of its values can
// be converted to tensorflow.Feature. An error from customiseFeature aborts the export.
func WriteCustomTFRecord(ctx context.Context, recordFilePath string, ds *Dataset, numShards,
	workers int, customiseFeature func(s Sample, m TFFeatureMap) error, progress func(n int)) (
	written int, err error) {

	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}
	shardSize := int(math.Ceil(float64(ds.Len()) / float64(numShards)))
	if shardSize == 0 {
		shardSize = 1
	}
	order := ds.Builder().Order()

	var shardFile *os.File
	shardIdx := -1
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()

	openShard := func(idx int) error {
		if shardFile != nil {
			if err := shardFile.Close(); err != nil {
				return err
			}
			shardFile = nil
		}
		shardPath := ShardPath(recordFilePath, idx, numShards)
		f, err := os.Create(shardPath)
		if err != nil {
			return errors.Wrapf(err, "cannot create shard at %q", shardPath)
		}
		shardFile = f
		shardIdx = idx
		return nil
	}

	// Convert and serialise one sample at a time, in record order.
	err = ds.Stream(ctx, workers, func(s Sample) error {
		// Check if a new shard file needs to be opened for writing.
		if idx := written / shardSize; idx != shardIdx && idx < numShards {
			if err := openShard(idx); err != nil {
				return err
			}
		}

		f, err := toTFFeatures(s, order)
		if err != nil {
			log.Warn(log.Fields{"image": s.Image, "error": err}, "Failed to convert sample")
			return nil
		}
		if customiseFeature != nil {
			if err := customiseFeature(s, f); err != nil {
				return errors.Wrapf(err, "cannot customise example %q", s.Image)
			}
		}

		if err := writeTFRecordExample(shardFile, example.New(f)); err != nil {
			return errors.Wrapf(err, "cannot write example %q", s.Image)
		}

		written++
		if progress != nil {
			progress(written)
		}
		return nil
	})
	if err != nil {
		return written, err
	}

	// Skipped records can leave trailing shards unused. Create them empty so the shard set is
	// complete.
	for idx := shardIdx + 1; idx < numShards; idx++ {
		if err := openShard(idx); err != nil {
			return written, err
		}
	}

	return written, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write for the samples of ds to
// one or more TFRecord files stored under recordFilePath (with suffixes added when numShards>1).
// It returns the number of examples written.
func WriteTFRecord(ctx context.Context, recordFilePath string, ds *Dataset, numShards,
	workers int, progress func(n int)) (int, error) {

	return WriteCustomTFRecord(ctx, recordFilePath, ds, numShards, workers, nil, progress)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}
