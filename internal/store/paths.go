package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// DefaultHome is the state directory used when none is configured
const DefaultHome = "~/.local2internet"

// Paths holds every location under the state directory
type Paths struct {
	Home string
}

// NewPaths expands home (which may start with ~) and returns its layout
func NewPaths(home string) (Paths, error) {
	if home == "" {
		home = DefaultHome
	}
	expanded, err := homedir.Expand(home)
	if err != nil {
		return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return Paths{}, fmt.Errorf("invalid home %s: %w", home, err)
	}
	return Paths{Home: abs}, nil
}

// Ensure creates the directory tree
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Home, p.BinDir(), p.LogDir(), p.StatsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// BinDir holds downloaded tunnel clients
func (p Paths) BinDir() string { return filepath.Join(p.Home, "bin") }

// LogDir holds per-process logs and events.log
func (p Paths) LogDir() string { return filepath.Join(p.Home, "logs") }

// StatsDir holds the usage database
func (p Paths) StatsDir() string { return filepath.Join(p.Home, "stats") }

// ConfigFile is the credential store
func (p Paths) ConfigFile() string { return filepath.Join(p.Home, "config.yml") }

// SettingsFile is the optional viper settings file
func (p Paths) SettingsFile() string { return filepath.Join(p.Home, "settings.yaml") }

// SessionFile is the session record
func (p Paths) SessionFile() string { return filepath.Join(p.Home, "session.json") }

// EventLogFile receives JSON line events
func (p Paths) EventLogFile() string { return filepath.Join(p.LogDir(), "events.log") }

// StatsDB is the SQLite usage database
func (p Paths) StatsDB() string { return filepath.Join(p.StatsDir(), "usage.db") }
