// Package log holds the process logger and the context fields attached to log records.
package log

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Severity of a log record.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInfo:
		return "Info"
	case SeverityDebug:
		return "Debug"
	case SeverityUnknown:
		return "Unknown"
	}
	return "Unknown"
}

func (s Severity) level() logrus.Level {
	switch s {
	case SeverityError:
		return logrus.ErrorLevel
	case SeverityWarning:
		return logrus.WarnLevel
	case SeverityDebug:
		return logrus.DebugLevel
	case SeverityInfo, SeverityUnknown:
		return logrus.InfoLevel
	}
	return logrus.InfoLevel
}

// Config describes how the process logger is built.
type Config struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New builds a logger from c. An empty level means "info".
func New(c Config) (*logrus.Logger, error) {
	l := logrus.New()
	if c.Output != nil {
		l.SetOutput(c.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	level := logrus.InfoLevel
	if c.Level != "" {
		parsed, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, &unknownFormatError{c.Format}
	}
	return l, nil
}

type unknownFormatError struct {
	format string
}

func (e *unknownFormatError) Error() string {
	return "log: unknown format " + e.format
}

var logger atomic.Pointer[logrus.Logger]

func init() {
	logger.Store(logrus.StandardLogger())
}

// SetLogger replaces the process logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	logger.Store(l)
}

// Logger returns the process logger.
func Logger() *logrus.Logger {
	return logger.Load()
}

type fieldsKey struct{}

// ContextWithFields returns a copy of ctx carrying fields on top of the ones already there.
func ContextWithFields(ctx context.Context, fields logrus.Fields) context.Context {
	merged := logrus.Fields{}
	for k, v := range FieldsFromContext(ctx) {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FieldsFromContext returns the fields attached to ctx, or nil.
func FieldsFromContext(ctx context.Context) logrus.Fields {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(fieldsKey{}).(logrus.Fields)
	return f
}

// WithContext returns an entry of the process logger carrying the fields of ctx.
func WithContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(Logger())
	if f := FieldsFromContext(ctx); len(f) > 0 {
		entry = entry.WithFields(f)
	}
	return entry
}

// Record writes msg at severity s.
func Record(ctx context.Context, s Severity, msg string) {
	WithContext(ctx).Log(s.level(), msg)
}
