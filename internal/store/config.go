package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential keys accepted by Set and Delete
const (
	KeyNgrokToken = "ngrok"
	KeyLoclxToken = "loclx"
)

// CredentialStore persists tokens and small preferences in YAML
type CredentialStore struct {
	mu   sync.Mutex
	path string
}

// NewCredentialStore creates a store backed by path
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Path returns the backing file
func (cs *CredentialStore) Path() string {
	return cs.path
}

// Load reads the credentials. A missing file yields empty credentials and no error; an
// unreadable or corrupt file yields empty credentials together with the error so the caller
// can warn and carry on.
func (cs *CredentialStore) Load() (*Credentials, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.load()
}

func (cs *CredentialStore) load() (*Credentials, error) {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Credentials{}, nil
		}
		return &Credentials{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return &Credentials{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &creds, nil
}

// Save writes creds atomically with owner-only permissions
func (cs *CredentialStore) Save(creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("credentials cannot be nil")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.save(creds)
}

func (cs *CredentialStore) save(creds *Credentials) error {
	if creds.InstalledAt.IsZero() {
		creds.InstalledAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeFileAtomic(cs.path, data, 0600)
}

// update applies fn to the stored credentials and saves them. An unreadable file is never
// overwritten: its error is returned, unless repair is set, in which case the file is first
// moved to BackupPath.
func (cs *CredentialStore) update(repair bool, fn func(*Credentials)) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	creds, err := cs.load()
	if err != nil {
		if !repair {
			return fmt.Errorf("%w; leaving %s untouched", err, cs.path)
		}
		if err := os.Rename(cs.path, cs.BackupPath()); err != nil {
			return fmt.Errorf("failed to back up config file: %w", err)
		}
		creds = &Credentials{}
	}
	fn(creds)
	return cs.save(creds)
}

// BackupPath is where Set and Delete move a config file they cannot parse
func (cs *CredentialStore) BackupPath() string {
	return cs.path + ".bak"
}

// Set stores a token under key ("ngrok" or "loclx"). A corrupt file is moved aside first.
func (cs *CredentialStore) Set(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty token for %s", key)
	}

	var apply func(*Credentials)
	switch strings.ToLower(key) {
	case KeyNgrokToken:
		apply = func(c *Credentials) { c.NgrokToken = value }
	case KeyLoclxToken:
		apply = func(c *Credentials) { c.LoclxToken = value }
	default:
		return fmt.Errorf("unknown credential %q (use ngrok or loclx)", key)
	}
	return cs.update(true, apply)
}

// Delete removes the token under key; "all" removes every token
func (cs *CredentialStore) Delete(key string) error {
	var apply func(*Credentials)
	switch strings.ToLower(key) {
	case KeyNgrokToken:
		apply = func(c *Credentials) { c.NgrokToken = "" }
	case KeyLoclxToken:
		apply = func(c *Credentials) { c.LoclxToken = "" }
	case "all":
		apply = func(c *Credentials) {
			c.NgrokToken = ""
			c.LoclxToken = ""
		}
	default:
		return fmt.Errorf("unknown credential %q (use ngrok, loclx or all)", key)
	}
	return cs.update(true, apply)
}

// Get returns the token under key, or "" when unset
func (cs *CredentialStore) Get(key string) string {
	creds, _ := cs.Load()
	switch strings.ToLower(key) {
	case KeyNgrokToken:
		return creds.NgrokToken
	case KeyLoclxToken:
		return creds.LoclxToken
	}
	return ""
}

// SetLastPort remembers the port of the last successful run. It fails rather than replace
// a config file it cannot read.
func (cs *CredentialStore) SetLastPort(port int) error {
	return cs.update(false, func(c *Credentials) {
		c.LastPort = port
		c.FirstRunDone = true
	})
}

// Mask hides all but the edges of a token for display
func Mask(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
