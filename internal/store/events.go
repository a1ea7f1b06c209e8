package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventLog appends lifecycle events as JSON lines. Write failures are swallowed; events are
// diagnostics, never a reason to stop.
type EventLog struct {
	mu     sync.Mutex
	file   io.Closer
	logger *logrus.Logger
}

// OpenEventLog appends to path, creating it if needed
func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	el := NewEventLog(f)
	el.file = f
	return el, nil
}

// NewEventLog writes events to w
func NewEventLog(w io.Writer) *EventLog {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "event",
		},
	})
	return &EventLog{logger: logger}
}

// Record appends one event with its details
func (el *EventLog) Record(event string, details map[string]interface{}) {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()

	el.logger.WithFields(logrus.Fields(details)).Info(event)
}

// Close closes the underlying file, if any
func (el *EventLog) Close() error {
	if el == nil || el.file == nil {
		return nil
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.file.Close()
}
