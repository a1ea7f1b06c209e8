// Package store provides persistent state for local2internet: credentials, the running
// session, usage statistics and the event log.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TunnelRecord is the persisted form of one tunnel result
type TunnelRecord struct {
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SessionState represents one serve run
type SessionState struct {
	ID             string                  `json:"id"`
	Active         bool                    `json:"active"`
	OwnerProcessID int                     `json:"ownerProcessId"`
	Port           int                     `json:"port"`
	Backend        string                  `json:"backend"`
	Directory      string                  `json:"directory,omitempty"`
	StartedAt      time.Time               `json:"startedAt"`
	Tunnels        map[string]TunnelRecord `json:"tunnels"`
}

// Empty reports whether s carries no session
func (s *SessionState) Empty() bool {
	return s == nil || (!s.Active && s.OwnerProcessID == 0 && len(s.Tunnels) == 0)
}

// ActiveURLs returns provider to URL for every tunnel that was up
func (s *SessionState) ActiveURLs() map[string]string {
	urls := make(map[string]string)
	if s == nil {
		return urls
	}
	for provider, t := range s.Tunnels {
		if t.URL != "" && t.Status == "active" {
			urls[provider] = t.URL
		}
	}
	return urls
}

// Credentials is the persisted key-value configuration
type Credentials struct {
	NgrokToken   string    `yaml:"ngrok_token,omitempty"`
	LoclxToken   string    `yaml:"loclx_token,omitempty"`
	LastPort     int       `yaml:"last_port,omitempty"`
	FirstRunDone bool      `yaml:"first_run_done"`
	InstalledAt  time.Time `yaml:"installed_at,omitempty"`
}

// writeFileAtomic writes data to a temporary file and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	// Atomic rename to ensure data integrity
	if err := os.Rename(tempFile, path); err != nil {
		// Clean up temporary file if rename fails
		os.Remove(tempFile)
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}

	return nil
}
