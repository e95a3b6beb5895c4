// Package logging adapts logrus to the key/value logger interface used by
// the portal's components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the log level, output encoding and destination.
type Config struct {
	Level  string // debug|info|warn|error (default info)
	Format string // text|json (default text)
	Output io.Writer
}

// Logger implements core.Logger on top of a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

// New builds a logger from cfg. Unknown levels or formats are errors so a
// misconfigured deployment fails at startup.
func New(cfg Config) (*Logger, error) {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	}
	level := logrus.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	base.SetLevel(level)
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return &Logger{entry: logrus.NewEntry(base)}, nil
}

// FromEnv builds a logger from LABPORTAL_LOG_LEVEL and LABPORTAL_LOG_FORMAT.
func FromEnv(out io.Writer) (*Logger, error) {
	return New(Config{
		Level:  os.Getenv("LABPORTAL_LOG_LEVEL"),
		Format: os.Getenv("LABPORTAL_LOG_FORMAT"),
		Output: out,
	})
}

// With returns a logger that attaches the key/value pairs to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(args))}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.entry.WithFields(fields(args)).Debug(msg) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.entry.WithFields(fields(args)).Info(msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.entry.WithFields(fields(args)).Warn(msg) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.entry.WithFields(fields(args)).Error(msg) }

// fields turns alternating key/value arguments into logrus fields. A trailing
// key without value is recorded under "!BADKEY".
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			f["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			f[key] = err.Error()
			continue
		}
		f[key] = args[i+1]
	}
	return f
}
