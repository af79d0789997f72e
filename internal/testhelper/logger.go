package testhelper

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewDiscardingLogger creates a logger that discards everything.
func NewDiscardingLogger(tb testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// NewDiscardingLogEntry creates a logrus entry that discards everything.
func NewDiscardingLogEntry(tb testing.TB) *logrus.Entry {
	return logrus.NewEntry(NewDiscardingLogger(tb))
}

// NewCapturingLogger returns a logger at debug level that discards its output
// but records every entry in the returned hook.
func NewCapturingLogger(tb testing.TB) (*logrus.Logger, *test.Hook) {
	logger := NewDiscardingLogger(tb)
	logger.SetLevel(logrus.DebugLevel)
	return logger, test.NewLocal(logger)
}
