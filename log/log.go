// Package log is a wrapper around the logrus Go logging package used by
// every other package in this module. Centralizing it here means the
// "log.level" configuration key can set the level of every log line the
// framework emits without threading a *Logger through every call.
package log

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Fields aliases logrus.Fields.
type Fields = logrus.Fields

// Entry aliases logrus.Entry.
type Entry = logrus.Entry

// Logger is the interface for loggers used by the framework's packages.
type Logger interface {
	Debug(...interface{})
	Debugf(string, ...interface{})

	Info(...interface{})
	Infof(string, ...interface{})

	Warn(...interface{})
	Warnf(string, ...interface{})

	Error(...interface{})
	Errorf(string, ...interface{})

	WithField(key string, value interface{}) *Entry
	WithFields(Fields) *Entry

	SetLevel(string) error
	SetOutput(io.Writer)
	SetJSONFormatter()

	WithContext(context.Context) Logger
}

type logger struct {
	entry *logrus.Entry
}

// New creates a new Logger.
func New() Logger {
	l := logrus.New()
	return logger{entry: logrus.NewEntry(l)}
}

func (l logger) WithContext(ctx context.Context) Logger {
	return logger{l.entry.WithContext(ctx)}
}

func (l logger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l logger) Debugf(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l logger) Info(args ...interface{})                   { l.entry.Info(args...) }
func (l logger) Infof(format string, args ...interface{})   { l.entry.Infof(format, args...) }
func (l logger) Warn(args ...interface{})                   { l.entry.Warn(args...) }
func (l logger) Warnf(format string, args ...interface{})   { l.entry.Warnf(format, args...) }
func (l logger) Error(args ...interface{})                  { l.entry.Error(args...) }
func (l logger) Errorf(format string, args ...interface{})  { l.entry.Errorf(format, args...) }

func (l logger) WithField(key string, value interface{}) *Entry {
	return l.entry.WithField(key, value)
}

func (l logger) WithFields(fields Fields) *Entry {
	return l.entry.WithFields(fields)
}

func (l logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.entry.Logger.SetLevel(lvl)
	return nil
}

func (l logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

func (l logger) SetJSONFormatter() {
	l.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
}

var origLogger = logrus.New()
var globalLogger = logger{entry: logrus.NewEntry(origLogger)}

// Global returns the default, process-wide logger.
func Global() Logger {
	return globalLogger
}

// Configure applies the "log.level" configuration key to the global logger.
// An empty level leaves the current level untouched. The "log.logger" key
// is not read here; the global logger is never replaced.
func Configure(level string) error {
	if level == "" {
		return nil
	}
	return globalLogger.SetLevel(level)
}
