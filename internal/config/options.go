// Package config resolves the options of the digitlm commands.
//
// Values are layered: built-in defaults, then the environment (including a .env file), then an
// optional YAML options file, then command line flags.
package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variable of every option.
const EnvPrefix = "DIGITLM_"

var validate = validator.New()

// Options is the full option surface of the commands. Not every command reads every option.
type Options struct {
	Data      string `yaml:"data"`       // Annotations file.
	ImagesDir string `yaml:"images_dir"` // Root for the image names of the annotations.
	OutputDir string `yaml:"output_dir"`

	InputSize   int      `yaml:"input_size" validate:"gt=0"`
	ValSplit    float64  `yaml:"val_split" validate:"gte=0,lt=1"`
	Seed        int64    `yaml:"seed"`
	NoLetterbox bool     `yaml:"no_letterbox"`
	Order       []string `yaml:"order" validate:"min=1,unique,dive,required"`

	// Passed through to the trainer via the split manifest.
	Epochs           int     `yaml:"epochs" validate:"gte=0"`
	FreezeBaseEpochs int     `yaml:"freeze_base_epochs" validate:"gte=0"`
	BatchSize        int     `yaml:"batch_size" validate:"gt=0"`
	BaseLR           float64 `yaml:"base_lr" validate:"gt=0"`
	FineTuneLR       float64 `yaml:"fine_tune_lr" validate:"gt=0"`

	Workers     int    `yaml:"workers" validate:"gte=0"` // Zero uses one per CPU.
	NumShards   int    `yaml:"num_shards" validate:"gte=1"`
	Quality     int    `yaml:"quality" validate:"gte=1,lte=100"` // JPEG and WebP previews.
	Addr        string `yaml:"addr"`
	NoProgress  bool   `yaml:"no_progress"`
	LogLevel    string `yaml:"log_level" validate:"oneof=panic fatal error warn warning info debug trace"`
	LogFile     string `yaml:"log_file"`
	LogNoColor  bool   `yaml:"log_no_color"`
	OptionsFile string `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		OutputDir:        "training/output",
		InputSize:        256,
		ValSplit:         0.1,
		Seed:             42,
		Order:            []string{"indexBase", "indexTip", "ringBase", "ringTip"},
		Epochs:           50,
		FreezeBaseEpochs: 5,
		BatchSize:        16,
		BaseLR:           1e-3,
		FineTuneLR:       1e-4,
		NumShards:        1,
		Quality:          90,
		Addr:             "127.0.0.1:8093",
		LogLevel:         "info",
	}
}

// Letterbox reports whether inputs are letterboxed.
func (o *Options) Letterbox() bool { return !o.NoLetterbox }

// Validate checks value ranges. Required paths are checked by the commands that need them.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %v", err)
	}
	return nil
}

// Clean cleans all non-empty path options.
func (o *Options) Clean() {
	for _, p := range []*string{&o.Data, &o.ImagesDir, &o.OutputDir, &o.LogFile} {
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
}

// envVar describes how one environment variable overrides an option.
type envVar struct {
	name string
	set  func(o *Options, v string) error
}

func stringVar(p func(o *Options) *string) func(*Options, string) error {
	return func(o *Options, v string) error { *p(o) = v; return nil }
}

func intVar(p func(o *Options) *int) func(*Options, string) error {
	return func(o *Options, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(o) = i
		return nil
	}
}

func floatVar(p func(o *Options) *float64) func(*Options, string) error {
	return func(o *Options, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p(o) = f
		return nil
	}
}

func boolVar(p func(o *Options) *bool) func(*Options, string) error {
	return func(o *Options, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p(o) = b
		return nil
	}
}

var envVars = []envVar{
	{"DATA", stringVar(func(o *Options) *string { return &o.Data })},
	{"IMAGES_DIR", stringVar(func(o *Options) *string { return &o.ImagesDir })},
	{"OUTPUT_DIR", stringVar(func(o *Options) *string { return &o.OutputDir })},
	{"INPUT_SIZE", intVar(func(o *Options) *int { return &o.InputSize })},
	{"VAL_SPLIT", floatVar(func(o *Options) *float64 { return &o.ValSplit })},
	{"SEED", func(o *Options, v string) error {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		o.Seed = i
		return nil
	}},
	{"NO_LETTERBOX", boolVar(func(o *Options) *bool { return &o.NoLetterbox })},
	{"ORDER", func(o *Options, v string) error { o.Order = splitList(v); return nil }},
	{"EPOCHS", intVar(func(o *Options) *int { return &o.Epochs })},
	{"FREEZE_BASE_EPOCHS", intVar(func(o *Options) *int { return &o.FreezeBaseEpochs })},
	{"BATCH_SIZE", intVar(func(o *Options) *int { return &o.BatchSize })},
	{"BASE_LR", floatVar(func(o *Options) *float64 { return &o.BaseLR })},
	{"FINE_TUNE_LR", floatVar(func(o *Options) *float64 { return &o.FineTuneLR })},
	{"WORKERS", intVar(func(o *Options) *int { return &o.Workers })},
	{"NUM_SHARDS", intVar(func(o *Options) *int { return &o.NumShards })},
	{"QUALITY", intVar(func(o *Options) *int { return &o.Quality })},
	{"ADDR", stringVar(func(o *Options) *string { return &o.Addr })},
	{"NO_PROGRESS", boolVar(func(o *Options) *bool { return &o.NoProgress })},
	{"LOG_LEVEL", stringVar(func(o *Options) *string { return &o.LogLevel })},
	{"LOG_FILE", stringVar(func(o *Options) *string { return &o.LogFile })},
	{"LOG_NO_COLOR", boolVar(func(o *Options) *bool { return &o.LogNoColor })},
}

// LoadEnv loads the given .env files, if they exist, into the process environment (existing
// variables win) and applies every DIGITLM_* variable to o. Without files, ".env" is tried.
func LoadEnv(o *Options, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load %q: %v", f, err)
		}
	}

	for _, e := range envVars {
		v, ok := os.LookupEnv(EnvPrefix + e.name)
		if !ok {
			continue
		}
		if err := e.set(o, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %v", EnvPrefix, e.name, v, err)
		}
	}

	return nil
}

// LoadYAML overlays the options present in the YAML file at path onto o.
func LoadYAML(path string, o *Options) error {
	enc, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read options file %q: %v", path, err)
	}
	if err := yaml.Unmarshal(enc, o); err != nil {
		return fmt.Errorf("cannot parse options file %q: %v", path, err)
	}
	o.OptionsFile = path
	return nil
}

// listValue is a flag.Value for a comma-separated list.
type listValue struct {
	list *[]string
}

func (v listValue) String() string {
	if v.list == nil {
		return ""
	}
	return strings.Join(*v.list, ",")
}

func (v listValue) Set(s string) error {
	*v.list = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RegisterFlags defines a flag for every option on fs, using the current values of o as defaults.
func RegisterFlags(fs *flag.FlagSet, o *Options) {
	// Path arguments.
	fs.StringVar(&o.Data, "data", o.Data, "The `path` to the annotations file")
	fs.StringVar(&o.ImagesDir, "images-dir", o.ImagesDir,
		"The `path` to the directory with the annotated images")
	fs.StringVar(&o.OutputDir, "output-dir", o.OutputDir, "The output directory `path`")

	// Preprocessing arguments.
	fs.IntVar(&o.InputSize, "input-size", o.InputSize,
		"The width and height in `pixels` of the model input")
	fs.Float64Var(&o.ValSplit, "val-split", o.ValSplit,
		"The `fraction` of records used for validation; range [0.0, 1.0)")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "The seed of the train/validation shuffle")
	fs.BoolVar(&o.NoLetterbox, "no-letterbox", o.NoLetterbox,
		"Stretch images to the input size instead of letterboxing them")
	fs.Var(listValue{&o.Order}, "order", "The comma-separated landmark `names` of the output")

	// Trainer arguments, recorded in the split manifest.
	fs.IntVar(&o.Epochs, "epochs", o.Epochs, "The number of training epochs")
	fs.IntVar(&o.FreezeBaseEpochs, "freeze-base-epochs", o.FreezeBaseEpochs,
		"The number of initial epochs with a frozen base network")
	fs.IntVar(&o.BatchSize, "batch-size", o.BatchSize, "The training batch size")
	fs.Float64Var(&o.BaseLR, "base-lr", o.BaseLR, "The learning rate while the base is frozen")
	fs.Float64Var(&o.FineTuneLR, "fine-tune-lr", o.FineTuneLR, "The fine-tuning learning rate")

	// Processing arguments.
	fs.IntVar(&o.Workers, "workers", o.Workers,
		"The number of concurrent image workers (zero uses one per CPU)")
	fs.IntVar(&o.NumShards, "num-shards", o.NumShards,
		"The number of TFRecord shard files to create per split")
	fs.IntVar(&o.Quality, "quality", o.Quality, "The quality for JPEG and WebP previews [1, 100]")
	fs.StringVar(&o.Addr, "addr", o.Addr, "The preview server listen `address`")
	fs.BoolVar(&o.NoProgress, "no-progress", o.NoProgress, "Do not show progress bars")

	// Logging arguments.
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel,
		"The log `level` {trace, debug, info, warn, error}")
	fs.StringVar(&o.LogFile, "log-file", o.LogFile, "An additional rotating log file `path`")
	fs.BoolVar(&o.LogNoColor, "log-no-color", o.LogNoColor, "Disable colored log output")
}

// Parse resolves the options for one command. Extra command specific flags may be defined on fs
// before the call.
func Parse(fs *flag.FlagSet, args []string) (*Options, error) {
	o := Default()
	if err := LoadEnv(&o); err != nil {
		return nil, err
	}

	RegisterFlags(fs, &o)
	optionsFile := fs.String("config", os.Getenv(EnvPrefix+"CONFIG"),
		"An optional YAML options `file`; command line flags take precedence")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *optionsFile != "" {
		// Remember the explicit flags, load the file over all options and restore the flags.
		set := make(map[string]string)
		fs.Visit(func(f *flag.Flag) {
			set[f.Name] = f.Value.String()
		})
		if err := LoadYAML(*optionsFile, &o); err != nil {
			return nil, err
		}
		for name, v := range set {
			if err := fs.Set(name, v); err != nil {
				return nil, err
			}
		}
	}

	o.Clean()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	return &o, nil
}
