package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// ParseLevel maps a config level name to a logrus level. Unknown names fall
// back to info.
func ParseLevel(name string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger creates a JSON logger at the given level.
func NewLogger(level string) Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type staticFields Fields

func (staticFields) Levels() []logrus.Level { return logrus.AllLevels }

func (f staticFields) Fire(entry *logrus.Entry) error {
	for k, v := range f {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// AddFields tags every entry written through logger with fields.
func AddFields(logger Logger, fields Fields) {
	logger.AddHook(staticFields(fields))
}
