package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LoggerInterface is the small surface the engine logs through.
type LoggerInterface interface {
	Printf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	WithField(key string, value interface{}) LoggerInterface
}

// Logger wraps a logrus entry so callers can attach fields.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger writing to the given file path. An empty path
// logs to stderr.
func NewLogger(path string) (LoggerInterface, error) {
	var out io.Writer = os.Stderr
	if path != "" {
		logFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = logFile
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &Logger{entry: logrus.NewEntry(l)}, nil
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() LoggerInterface {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *Logger) WithField(key string, value interface{}) LoggerInterface {
	return &Logger{entry: l.entry.WithField(key, value)}
}
