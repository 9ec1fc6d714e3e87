// Package logx provides structured key-value logging for safereachd.
// Every component receives its logger through its constructor; there are
// no package-level loggers.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the key-value call convention used across the
// daemon: Info("event_name", "key", value, ...).
type Logger struct {
	entry   *logrus.Entry
	verbose bool
}

// NewLogger creates a logger for the named component. Level is one of
// trace|debug|info|warn|error; unknown levels fall back to info. The
// trace level additionally enables the *Verbose helpers.
func NewLogger(level, component string) *Logger {
	return NewLoggerTo(level, component, os.Stderr)
}

// NewLoggerTo is NewLogger with an explicit output, used by tests.
func NewLoggerTo(level, component string, out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	verbose := false
	switch strings.ToLower(level) {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
		verbose = true
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return &Logger{
		entry:   l.WithField("component", component),
		verbose: verbose,
	}
}

// WithComponent returns a logger that reports a different component name
// but shares the parent's level and output.
func (lg *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:   lg.entry.Logger.WithField("component", component),
		verbose: lg.verbose,
	}
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func (lg *Logger) Trace(msg string, kv ...interface{}) {
	lg.entry.WithFields(kvFields(kv)).Trace(msg)
}

func (lg *Logger) Debug(msg string, kv ...interface{}) {
	lg.entry.WithFields(kvFields(kv)).Debug(msg)
}

func (lg *Logger) Info(msg string, kv ...interface{}) {
	lg.entry.WithFields(kvFields(kv)).Info(msg)
}

func (lg *Logger) Warn(msg string, kv ...interface{}) {
	lg.entry.WithFields(kvFields(kv)).Warn(msg)
}

func (lg *Logger) Error(msg string, kv ...interface{}) {
	lg.entry.WithFields(kvFields(kv)).Error(msg)
}

// LogVerbose emits an info-level event only when verbose logging is on.
func (lg *Logger) LogVerbose(event string, fields map[string]interface{}) {
	if !lg.verbose {
		return
	}
	lg.entry.WithFields(fields).Info(event)
}

// LogDebugVerbose emits a debug-level event only when verbose logging is on.
func (lg *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	if !lg.verbose {
		return
	}
	lg.entry.WithFields(fields).Debug(event)
}

// LogStateChange records a state machine transition in a uniform shape so
// transitions are greppable across components.
func (lg *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	merged := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		merged[k] = v
	}
	lg.entry.WithFields(merged).Info("state_change")
}
