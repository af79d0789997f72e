package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogFileEnvKey defines the environment variable used to redirect logs into a file.
	LogFileEnvKey = "SHAPESYNC_LOG_FILE"
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
)

var (
	defaultLogger = logrus.StandardLogger()
	wire          = logrus.New()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger, wire}
)

func init() {
	// This ensures that any log statements that occur before
	// the configuration has been loaded will be written to
	// stdout instead of stderr
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure sets the format and level on all loggers. It applies level
// mapping to the Wire logger. An unknown level falls back to info.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == wire {
			l.SetLevel(mapWireLogLevel(logrusLevel))
		} else {
			l.SetLevel(logrusLevel)
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}

	return nil
}

// mapWireLogLevel keeps per-request logging quiet unless debugging was
// requested explicitly: every long-poll round trip would otherwise be logged.
func mapWireLogLevel(level logrus.Level) logrus.Level {
	if level == logrus.InfoLevel {
		return logrus.WarnLevel
	}

	return level
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// Wire is a dedicated logrus logger for HTTP round trips of the stream
// transport. We use it to control their chattiness.
func Wire() *logrus.Entry { return wire.WithField("pid", os.Getpid()) }

// RedirectToFile points all loggers at the given file. The file is opened
// in append mode so that restarts keep the previous history.
func RedirectToFile(path string) (*os.File, error) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	for _, l := range Loggers {
		l.SetOutput(logFile)
	}

	return logFile, nil
}
