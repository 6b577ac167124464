package log

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
	mu     sync.Mutex
)

// RunIDKey is the field name that tags all entries of one prepare run.
const RunIDKey = "run_id"

// CallerKey is the field name of the file:line that emitted an entry through the level helpers.
const CallerKey = "caller"

type Fields = logrus.Fields

// Options configures the process logger.
type Options struct {
	Level   string // One of logrus' level names; empty keeps "info".
	File    string // Optional rotating log file, in addition to stderr.
	NoColor bool
}

// NewLogger returns the process-wide logger, creating it with default settings on first use.
func NewLogger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(newFormatter(false))
		logger.SetOutput(os.Stderr)
	})

	return logger
}

// Setup applies opts to the process-wide logger.
func Setup(opts Options) error {
	l := NewLogger()

	mu.Lock()
	defer mu.Unlock()

	if opts.Level != "" {
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %v", opts.Level, err)
		}
		l.SetLevel(level)
	}
	l.SetFormatter(newFormatter(opts.NoColor))

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))

	return nil
}

// SetOutput redirects the logger, mostly for tests.
func SetOutput(w io.Writer) {
	l := NewLogger()
	mu.Lock()
	defer mu.Unlock()
	l.SetOutput(w)
}

func newFormatter(noColors bool) logrus.Formatter {
	return &formatter.Formatter{
		NoColors:        noColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		FieldsOrder:     []string{CallerKey, RunIDKey},
	}
}

// entry must be called directly by the level helpers: the caller is two frames up.
func entry(fields Fields) *logrus.Entry {
	if fields == nil {
		fields = Fields{}
	}
	e := NewLogger().WithFields(fields)
	if _, file, line, ok := runtime.Caller(2); ok {
		e = e.WithField(CallerKey, fmt.Sprintf("%s:%d", path.Base(file), line))
	}
	return e
}

func Debug(fields Fields, msg string) {
	entry(fields).Debug(msg)
}

func Info(fields Fields, msg string) {
	entry(fields).Info(msg)
}

func Warn(fields Fields, msg string) {
	entry(fields).Warn(msg)
}

func Error(fields Fields, msg string) {
	entry(fields).Error(msg)
}

func Fatal(fields Fields, msg string) {
	entry(fields).Fatal(msg)
}

// WithRunID returns an entry tagged with the run id of a prepare invocation.
func WithRunID(runID string) *logrus.Entry {
	if runID == "" {
		runID = "unknown"
	}
	return NewLogger().WithField(RunIDKey, runID)
}
