package core

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// DefaultLogger is shared by the orchestrator, drivers and runtime
	DefaultLogger *logrus.Logger
	once          sync.Once
)

// InitLogger configures DefaultLogger once; later calls are ignored
func InitLogger(debug, json bool) {
	once.Do(func() {
		DefaultLogger = NewLogger(debug, json, os.Stderr)
	})
}

// NewLogger builds a logrus logger writing text or JSON to out
func NewLogger(debug, json bool, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.InfoLevel)
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return logger
}

// SetLogOutput redirects the default logger, e.g. to a file while the dashboard owns the
// terminal
func SetLogOutput(out io.Writer) {
	logger().SetOutput(out)
}

func logger() *logrus.Logger {
	if DefaultLogger != nil {
		return DefaultLogger
	}
	return logrus.StandardLogger()
}

// printf-style helpers over DefaultLogger

// WithFields returns an entry carrying structured fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger().WithFields(fields)
}

// Debug is only emitted with --verbose
func Debug(format string, args ...interface{}) {
	logger().Debugf(format, args...)
}

// Info logs at info level
func Info(format string, args ...interface{}) {
	logger().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	logger().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	logger().Errorf(format, args...)
}

// LogCommand logs a child command line in debug mode
func LogCommand(name string, argv []string) {
	logger().WithField("process", name).Debugf("command: %v", argv)
}
