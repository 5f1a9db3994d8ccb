package logging

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	level := logrus.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("ADOPS_LOG_LEVEL")); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	l.SetLevel(level)

	if strings.EqualFold(os.Getenv("ADOPS_LOG_FORMAT"), "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Logger returns the process-wide logger.
func Logger() *logrus.Logger { return std }

// Fields is an alias so callers don't import logrus for structured fields.
type Fields = logrus.Fields

// WithFields returns an entry carrying the given fields.
func WithFields(fields Fields) *logrus.Entry { return std.WithFields(fields) }

// FromContext returns an entry tagged with the request ID in ctx, if any.
func FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(std)
	if ctx == nil {
		return entry
	}
	if id := GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
