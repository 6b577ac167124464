// Prepares 2D:4D digit ratio landmark datasets for training and inspects them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/sensorable/digitlm"
	"github.com/sensorable/digitlm/internal/config"
	"github.com/sensorable/digitlm/internal/log"
	"github.com/sensorable/digitlm/internal/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{"prepare", "split annotations and export TFRecords, the model config and the split manifest",
		runPrepare},
	{"preview", "render landmark previews of the prepared samples", runPreview},
	{"serve", "serve landmark previews over HTTP", runServe},
	{"import", "convert VIA or Sloth point annotations to an annotations file", runImport},
	{"export", "convert an annotations file to VIA or Sloth", runExport},
	{"decode", "map model output back to image coordinates and measure the digit ratio",
		runDecode},
	{"stats", "report digit ratio statistics of an annotations file", runStats},
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
	_, _ = fmt.Fprintf(os.Stderr, "  %s <command> [options]\n\n", filepath.Base(os.Args[0]))
	_, _ = fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		_, _ = fmt.Fprintf(os.Stderr, "  %-10s%s\n", c.name, c.summary)
	}
	_, _ = fmt.Fprintf(os.Stderr, "\nRun '%s <command> -h' for the options of a command.\n",
		filepath.Base(os.Args[0]))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(os.Args[2:]); err != nil {
			log.Fatal(log.Fields{"command": name, "error": err}, "Command failed")
		}
		return
	}

	usage()
	os.Exit(2)
}

// newFlagSet returns the flag set of a subcommand.
func newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s %s:\n", filepath.Base(os.Args[0]), name)
		_, _ = fmt.Fprintf(os.Stderr, "  %s\n\n", synopsis)
		fs.PrintDefaults()
	}
	return fs
}

// parseOptions resolves and validates the options and sets up logging.
func parseOptions(fs *flag.FlagSet, args []string) *config.Options {
	opts, err := config.Parse(fs, args)
	if err != nil {
		printUsageAndExit(fs, err)
	}
	if err := log.Setup(log.Options{
		Level:   opts.LogLevel,
		File:    opts.LogFile,
		NoColor: opts.LogNoColor,
	}); err != nil {
		printUsageAndExit(fs, err)
	}
	return opts
}

func printUsageAndExit(fs *flag.FlagSet, msg ...interface{}) {
	_, _ = fmt.Fprintln(os.Stderr, msg...)
	fs.Usage()
	os.Exit(1)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newProgressBar(max int, description string, disabled bool) *progressbar.ProgressBar {
	if disabled {
		return progressbar.DefaultSilent(int64(max))
	}
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("samples"),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(os.Stderr) }),
	)
}

// loadSplit loads the annotations and returns the split and the sample builder.
func loadSplit(opts *config.Options) (train, val []digitlm.Record,
	builder *digitlm.SampleBuilder, err error) {

	order := digitlm.PointOrder(opts.Order)
	records, err := digitlm.LoadAnnotations(opts.Data, order)
	if err != nil {
		return nil, nil, nil, err
	}

	train, val, err = digitlm.SplitRecords(records, opts.ValSplit, opts.Seed)
	if err != nil {
		return nil, nil, nil, err
	}

	builder, err = digitlm.NewSampleBuilder(opts.ImagesDir, opts.InputSize, opts.Letterbox(), order)
	if err != nil {
		return nil, nil, nil, err
	}

	return train, val, builder, nil
}

func requirePaths(fs *flag.FlagSet, opts *config.Options, data, images, output bool) {
	if (data && opts.Data == "") || (images && opts.ImagesDir == "") {
		printUsageAndExit(fs, "Missing annotations or image input path argument")
	}
	if output && opts.OutputDir == "" {
		printUsageAndExit(fs, "Missing output directory argument")
	}
}

func runPrepare(args []string) error {
	fs := newFlagSet("prepare",
		"Splits the annotations and writes model_config.json, split.json and TFRecord shards.")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, true, true)

	runID := uuid.NewString()
	logger := log.WithRunID(runID)
	start := time.Now()

	train, val, builder, err := loadSplit(opts)
	if err != nil {
		return err
	}
	logger.WithField("train", len(train)).WithField("val", len(val)).Info("Split annotations")

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "cannot create output directory %q", opts.OutputDir)
	}

	order := digitlm.PointOrder(opts.Order)
	modelConfig := digitlm.NewModelConfig(opts.InputSize, opts.Letterbox(), order)
	configPath := filepath.Join(opts.OutputDir, digitlm.ModelConfigFile)
	if err := digitlm.WriteModelConfig(configPath, modelConfig); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	manifest := digitlm.Manifest{
		RunID:       runID,
		CreatedAt:   start.UTC(),
		Annotations: opts.Data,
		ImagesDir:   opts.ImagesDir,
		Seed:        opts.Seed,
		ValFraction: opts.ValSplit,
		InputSize:   opts.InputSize,
		Letterbox:   opts.Letterbox(),
		Order:       order,
		Train:       digitlm.NewSplitSummary(train),
		Val:         digitlm.NewSplitSummary(val),
		Trainer: digitlm.TrainerOptions{
			Epochs:               opts.Epochs,
			FreezeBaseEpochs:     opts.FreezeBaseEpochs,
			BatchSize:            opts.BatchSize,
			BaseLearningRate:     opts.BaseLR,
			FineTuneLearningRate: opts.FineTuneLR,
		},
	}

	splits := []struct {
		ds      *digitlm.Dataset
		summary *digitlm.SplitSummary
	}{
		{digitlm.NewDataset("train", train, builder), &manifest.Train},
		{digitlm.NewDataset("val", val, builder), &manifest.Val},
	}
	for _, s := range splits {
		if s.ds.Len() == 0 {
			logger.WithField("dataset", s.ds.Name()).Warn("Split is empty")
		}

		recordPath := filepath.Join(opts.OutputDir, s.ds.Name()+".tfrecord")
		bar := newProgressBar(s.ds.Len(), "Writing "+s.ds.Name(), opts.NoProgress)
		n, err := digitlm.WriteTFRecord(ctx, recordPath, s.ds, opts.NumShards, opts.Workers,
			func(n int) { _ = bar.Set(n) })
		_ = bar.Finish()
		if err != nil {
			return errors.Wrapf(err, "cannot export %s split", s.ds.Name())
		}

		s.summary.Samples = n
		s.summary.Shards = opts.NumShards
		s.summary.Path = recordPath
		logger.WithField("dataset", s.ds.Name()).
			WithField("samples", n).
			WithField("skipped", s.ds.Len()-n).
			Info("Wrote TFRecords")
	}

	manifestPath := filepath.Join(opts.OutputDir, digitlm.SplitManifestFile)
	if err := digitlm.WriteSplitManifest(manifestPath, manifest); err != nil {
		return err
	}

	logger.WithField("output", opts.OutputDir).
		WithField("elapsed", time.Since(start).Round(time.Millisecond)).
		Info("Prepared dataset")
	return nil
}

func runPreview(args []string) error {
	fs := newFlagSet("preview",
		"Renders the landmarks of the train and val samples into <output-dir>/previews.")
	format := fs.String("format", "jpg", "The preview image `encoding` {png, jpg, webp}")
	limit := fs.Int("limit", 0, "The maximum number of previews per split (zero renders all)")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, true, true)

	switch *format {
	case "png", "jpg", "webp":
	default:
		printUsageAndExit(fs, "Unsupported preview encoding: ", *format)
	}

	train, val, builder, err := loadSplit(opts)
	if err != nil {
		return err
	}

	previewDir := filepath.Join(opts.OutputDir, "previews")
	if err := os.MkdirAll(previewDir, 0755); err != nil {
		return errors.Wrapf(err, "cannot create preview directory %q", previewDir)
	}

	ctx, cancel := signalContext()
	defer cancel()

	order := builder.Order()
	for _, ds := range []*digitlm.Dataset{
		digitlm.NewDataset("train", truncate(train, *limit), builder),
		digitlm.NewDataset("val", truncate(val, *limit), builder),
	} {
		count := 0
		err := ds.Stream(ctx, opts.Workers, func(s digitlm.Sample) error {
			base := filepath.Base(s.Image)
			name := fmt.Sprintf("%s_%04d_%s.%s", ds.Name(), count,
				base[:len(base)-len(filepath.Ext(base))], *format)
			count++
			return digitlm.SavePreview(filepath.Join(previewDir, name),
				digitlm.RenderPreview(s, order), opts.Quality)
		})
		if err != nil {
			return err
		}
		log.Info(log.Fields{"dataset": ds.Name(), "previews": count, "dir": previewDir},
			"Rendered previews")
	}

	return nil
}

func truncate(records []digitlm.Record, limit int) []digitlm.Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func runServe(args []string) error {
	fs := newFlagSet("serve", "Serves /records, /preview?i=N[&fmt=png|jpg|webp] and /config.")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, true, false)

	train, val, builder, err := loadSplit(opts)
	if err != nil {
		return err
	}

	srv := server.New(train, val, builder, opts.Quality)

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			log.Error(log.Fields{"error": err}, "Shutdown failed")
		}
	}()

	return srv.ListenAndServe(opts.Addr)
}

func runImport(args []string) error {
	fs := newFlagSet("import", "Converts VIA or Sloth point annotations to an annotations file.")
	from := fs.String("from", "", "The source `format` {via, sloth}")
	labels := fs.String("labels", "", "The `path` to the VIA project or Sloth file")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, true, false)
	if *labels == "" {
		printUsageAndExit(fs, "Missing label input path argument")
	}
	if filepath.Clean(*labels) == opts.Data {
		printUsageAndExit(fs, "The label input and output paths cannot be identical")
	}

	order := digitlm.PointOrder(opts.Order)
	var records []digitlm.Record
	var err error
	switch *from {
	case "via":
		records, err = digitlm.FromVIA(*labels, opts.ImagesDir, order)
	case "sloth":
		records, err = digitlm.FromSloth(*labels, opts.ImagesDir, order)
	default:
		printUsageAndExit(fs, "Unsupported input format")
	}
	if err != nil {
		return errors.Wrap(err, "failed to parse the input")
	}
	if len(records) == 0 {
		return errors.Errorf("no complete annotations in %q", *labels)
	}

	if err := digitlm.WriteAnnotations(opts.Data, records, order); err != nil {
		return err
	}
	log.Info(log.Fields{"records": len(records), "path": opts.Data}, "Wrote annotations")
	return nil
}

func runExport(args []string) error {
	fs := newFlagSet("export", "Converts an annotations file to VIA or Sloth.")
	to := fs.String("to", "", "The target `format` {via, sloth}")
	labelsOut := fs.String("labels-out", "", "The `path` of the VIA project or Sloth file")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, false, false)
	if *labelsOut == "" {
		printUsageAndExit(fs, "Missing label output path argument")
	}
	if filepath.Clean(*labelsOut) == opts.Data {
		printUsageAndExit(fs, "The label input and output paths cannot be identical")
	}

	order := digitlm.PointOrder(opts.Order)
	records, err := digitlm.LoadAnnotations(opts.Data, order)
	if err != nil {
		return err
	}

	switch *to {
	case "via":
		err = digitlm.WriteVIA(*labelsOut, digitlm.ToVIA(records, order))
	case "sloth":
		err = digitlm.WriteSloth(*labelsOut, digitlm.ToSloth(records, order))
	default:
		printUsageAndExit(fs, "Unsupported output format")
	}
	if err != nil {
		return errors.Wrap(err, "conversion failed")
	}

	log.Info(log.Fields{"records": len(records), "path": *labelsOut},
		"Successfully wrote labels")
	return nil
}

type decodeResult struct {
	Landmarks   map[string]digitlm.Point `json:"landmarks"`
	Measurement *digitlm.Measurement     `json:"measurement,omitempty"`
}

func runDecode(args []string) error {
	fs := newFlagSet("decode",
		"Maps a model output vector (JSON array) to native image coordinates.")
	modelConfigPath := fs.String("model-config", "", "The `path` to model_config.json")
	output := fs.String("output", "-", "The `path` to the model output JSON array, or - for stdin")
	width := fs.Int("width", 0, "The native image width in `pixels`")
	height := fs.Int("height", 0, "The native image height in `pixels`")
	coinDiameter := fs.Float64("coin-diameter-cm", 0,
		"The diameter of the reference coin in `cm`, for lengths in cm")
	coinRadius := fs.Float64("coin-radius-px", 0,
		"The detected coin radius in native `pixels`, for lengths in cm")
	opts := parseOptions(fs, args)

	if *modelConfigPath == "" {
		*modelConfigPath = filepath.Join(opts.OutputDir, digitlm.ModelConfigFile)
	}
	if *width <= 0 || *height <= 0 {
		printUsageAndExit(fs, "Invalid native image size")
	}

	modelConfig, err := digitlm.ReadModelConfig(*modelConfigPath)
	if err != nil {
		return err
	}
	values, err := digitlm.ReadModelOutput(*output)
	if err != nil {
		return err
	}

	points, err := modelConfig.DecodeOutput(values, *width, *height)
	if err != nil {
		return err
	}

	result := decodeResult{Landmarks: points}
	m, err := digitlm.MeasureDigitRatio(points, digitlm.Calibration{
		CoinDiameterCM: *coinDiameter,
		CoinRadiusPx:   *coinRadius,
	})
	if err != nil {
		log.Warn(log.Fields{"error": err}, "Cannot measure the digit ratio")
	} else {
		result.Measurement = &m
	}

	return printJSON(result)
}

type statsResult struct {
	Records       int                `json:"records"`
	MissingImages []string           `json:"missingImages,omitempty"`
	Ratios        digitlm.RatioStats `json:"ratios"`
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "Reports digit ratio statistics of the annotations.")
	opts := parseOptions(fs, args)
	requirePaths(fs, opts, true, false, false)

	records, err := digitlm.LoadAnnotations(opts.Data, digitlm.PointOrder(opts.Order))
	if err != nil {
		return err
	}

	result := statsResult{
		Records: len(records),
		Ratios:  digitlm.SummarizeRatios(records),
	}
	if opts.ImagesDir != "" {
		for _, r := range records {
			if _, err := os.Stat(filepath.Join(opts.ImagesDir, filepath.FromSlash(r.Image))); err != nil {
				result.MissingImages = append(result.MissingImages, r.Image)
			}
		}
		sort.Strings(result.MissingImages)
	}

	return printJSON(result)
}

func printJSON(v interface{}) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(enc))
	return err
}
