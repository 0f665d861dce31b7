// Package logger provides the structured logger shared by every engine component.
// It is a thin wrapper around logrus so call sites can use WithField/WithError
// chains and the printf-style helpers interchangeably.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string `yaml:"level" env:"ENTITY_LOG_LEVEL"`

	// Format is "text" or "json". Defaults to text.
	Format string `yaml:"format" env:"ENTITY_LOG_FORMAT"`

	// Output is "stdout", "stderr" or "file". Defaults to stdout.
	Output string `yaml:"output" env:"ENTITY_LOG_OUTPUT"`

	// FilePrefix is used when Output is "file"; the date is appended.
	FilePrefix string `yaml:"file_prefix" env:"ENTITY_LOG_FILE_PREFIX"`
}

// Logger wraps logrus.Logger and carries the component name as a default field.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger from cfg.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	l.SetOutput(outputFor(cfg))
	return &Logger{Logger: l}
}

// NewDefault creates an info-level text logger tagged with component.
func NewDefault(component string) *Logger {
	log := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	log.component = component
	return log
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l}
}

// Named returns a logger sharing the same sink with a different component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// WithField starts an entry tagged with the component.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.base().WithField(key, value)
}

// WithFields starts an entry tagged with the component.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base().WithFields(fields)
}

// WithError starts an entry tagged with the component.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base().WithError(err)
}

func (l *Logger) base() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}

func outputFor(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "entityd"
		}
		name := prefix + "-" + time.Now().UTC().Format("2006-01-02") + ".log"
		if dir := filepath.Dir(name); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
