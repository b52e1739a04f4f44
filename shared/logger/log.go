package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is a map of contextual fields attached to a log entry.
type Ctx map[string]any

// Log contains the logger used by all the logging functions.
var Log Logger

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

func init() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	Log = newWrapper(logrus.NewEntry(logger))
}

// InitLogger initializes the global logger with the requested verbosity.
func InitLogger(verbose bool, debug bool) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if debug {
		logger.SetLevel(logrus.TraceLevel)
	}

	Log = newWrapper(logrus.NewEntry(logger))
}

type logWrapper struct {
	entry *logrus.Entry
}

func newWrapper(entry *logrus.Entry) Logger {
	return &logWrapper{entry: entry}
}

func (l *logWrapper) target(ctx ...Ctx) *logrus.Entry {
	entry := l.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}

	return entry
}

// Panic logs a panic level message and panics.
func (l *logWrapper) Panic(msg string, ctx ...Ctx) { l.target(ctx...).Panic(msg) }

// Fatal logs a fatal level message and exits.
func (l *logWrapper) Fatal(msg string, ctx ...Ctx) { l.target(ctx...).Fatal(msg) }

// Error logs an error level message.
func (l *logWrapper) Error(msg string, ctx ...Ctx) { l.target(ctx...).Error(msg) }

// Warn logs a warning level message.
func (l *logWrapper) Warn(msg string, ctx ...Ctx) { l.target(ctx...).Warn(msg) }

// Info logs an info level message.
func (l *logWrapper) Info(msg string, ctx ...Ctx) { l.target(ctx...).Info(msg) }

// Debug logs a debug level message.
func (l *logWrapper) Debug(msg string, ctx ...Ctx) { l.target(ctx...).Debug(msg) }

// Trace logs a trace level message.
func (l *logWrapper) Trace(msg string, ctx ...Ctx) { l.target(ctx...).Trace(msg) }

// AddContext returns a logger with the given context attached to every entry.
func (l *logWrapper) AddContext(ctx Ctx) Logger {
	return newWrapper(l.entry.WithFields(logrus.Fields(ctx)))
}

// Panic logs a panic level message and panics.
func Panic(msg string, ctx ...Ctx) { Log.Panic(msg, ctx...) }

// Fatal logs a fatal level message and exits.
func Fatal(msg string, ctx ...Ctx) { Log.Fatal(msg, ctx...) }

// Error logs an error level message.
func Error(msg string, ctx ...Ctx) { Log.Error(msg, ctx...) }

// Warn logs a warning level message.
func Warn(msg string, ctx ...Ctx) { Log.Warn(msg, ctx...) }

// Info logs an info level message.
func Info(msg string, ctx ...Ctx) { Log.Info(msg, ctx...) }

// Debug logs a debug level message.
func Debug(msg string, ctx ...Ctx) { Log.Debug(msg, ctx...) }

// Trace logs a trace level message.
func Trace(msg string, ctx ...Ctx) { Log.Trace(msg, ctx...) }

// AddContext returns a logger derived from the global one with extra context.
func AddContext(ctx Ctx) Logger { return Log.AddContext(ctx) }
