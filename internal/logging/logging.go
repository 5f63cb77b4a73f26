package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the engine-wide logger type.
type Logger = *logrus.Logger

// Fields is an alias for structured log fields.
type Fields = logrus.Fields

// New creates a configured logger writing to w.
func New(w io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// WithComponent returns an entry tagged with a component field.
func WithComponent(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
