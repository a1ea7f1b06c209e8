package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// SessionRecorder persists the state of the running serve session as JSON
type SessionRecorder struct {
	mu       sync.RWMutex
	filePath string
}

// NewSessionRecorder creates a recorder backed by path
func NewSessionRecorder(path string) *SessionRecorder {
	return &SessionRecorder{filePath: path}
}

// NewSessionState returns an active state owned by the current process
func NewSessionState(port int, backend, directory string) *SessionState {
	return &SessionState{
		ID:             uuid.NewString(),
		Active:         true,
		OwnerProcessID: os.Getpid(),
		Port:           port,
		Backend:        backend,
		Directory:      directory,
		StartedAt:      time.Now().UTC(),
		Tunnels:        make(map[string]TunnelRecord),
	}
}

// Save writes state atomically
func (sr *SessionRecorder) Save(state *SessionState) error {
	if state == nil {
		return fmt.Errorf("session state cannot be nil")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	return writeFileAtomic(sr.filePath, data, 0644)
}

// Load returns the stored state. A missing, unreadable or corrupt file is reported as an
// empty state; corruption never blocks startup.
func (sr *SessionRecorder) Load() *SessionState {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	data, err := os.ReadFile(sr.filePath)
	if err != nil {
		return &SessionState{}
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return &SessionState{}
	}
	return &state
}

// Clear removes the session file
func (sr *SessionRecorder) Clear() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if err := os.Remove(sr.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// IsActive reports whether the stored session is marked active and its owner is still
// running
func (sr *SessionRecorder) IsActive() bool {
	state := sr.Load()
	return state.Active && ProcessRunning(state.OwnerProcessID)
}

// LoadActive returns the stored session if it is live. A session whose owner has died is
// stale; it is cleared and nil is returned.
func (sr *SessionRecorder) LoadActive() (*SessionState, error) {
	state := sr.Load()
	if !state.Active {
		return nil, nil
	}
	if ProcessRunning(state.OwnerProcessID) {
		return state, nil
	}
	return nil, sr.Clear()
}

// Path returns the session file path
func (sr *SessionRecorder) Path() string {
	return sr.filePath
}

// ProcessRunning reports whether pid names a live process. It is the single liveness check
// behind session staleness.
func ProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}
