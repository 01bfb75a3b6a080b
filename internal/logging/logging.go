// Package logging provides the leveled logger interface the core depends
// on. The core never imports logrus directly; it only ever sees the
// Logger interface below, wired up once at process start.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal leveled sink every core component is handed.
// It is intentionally small enough to fake in tests.
type Logger interface {
	Tracef(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	WithField(key string, value any) Logger
}

// ParseLevel maps the `-l/--log` flag values onto a logrus.Level.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, &UnknownLevelError{Level: s}
	}
}

// UnknownLevelError is returned by ParseLevel for an unrecognized value.
type UnknownLevelError struct{ Level string }

func (e *UnknownLevelError) Error() string {
	return "unknown log level: " + e.Level
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the concrete colorized, leveled logger used by cmd/tunnelagent.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Nop is a Logger that discards everything. Useful as a test default.
type Nop struct{}

func (Nop) Tracef(string, ...any)        {}
func (Nop) Debugf(string, ...any)        {}
func (Nop) Infof(string, ...any)         {}
func (Nop) Warnf(string, ...any)         {}
func (Nop) Errorf(string, ...any)        {}
func (n Nop) WithField(string, any) Logger { return n }
