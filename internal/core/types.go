// Package core provides core data types and validation for exposing a local directory
// through third-party tunnel clients.
package core

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// Provider identifies a tunnel provider
type Provider string

const (
	// ProviderNgrok is the ngrok agent
	ProviderNgrok Provider = "ngrok"
	// ProviderCloudflare is a cloudflared quick tunnel
	ProviderCloudflare Provider = "cloudflare"
	// ProviderLoclx is the LocalXpose client
	ProviderLoclx Provider = "loclx"
)

// AllProviders lists every supported provider in display order
var AllProviders = []Provider{ProviderNgrok, ProviderCloudflare, ProviderLoclx}

// ProcessName returns the registry key used for the provider's client process
func (p Provider) ProcessName() string {
	if p == ProviderCloudflare {
		return "cloudflared"
	}
	return string(p)
}

// Title returns a display name for the provider
func (p Provider) Title() string {
	switch p {
	case ProviderNgrok:
		return "Ngrok"
	case ProviderCloudflare:
		return "Cloudflare"
	case ProviderLoclx:
		return "Loclx"
	}
	return string(p)
}

// ParseProvider converts a user supplied name into a Provider
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ngrok":
		return ProviderNgrok, nil
	case "cloudflare", "cloudflared", "cf":
		return ProviderCloudflare, nil
	case "loclx", "localxpose":
		return ProviderLoclx, nil
	}
	return "", fmt.Errorf("unknown provider: %q", name)
}

// ParseProviders converts a list of names, dropping duplicates
func ParseProviders(names []string) ([]Provider, error) {
	seen := make(map[Provider]bool)
	var providers []Provider
	for _, name := range names {
		p, err := ParseProvider(name)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			providers = append(providers, p)
		}
	}
	return providers, nil
}

// Backend is a local HTTP serving implementation
type Backend string

const (
	// BackendPython serves files with python3 -m http.server
	BackendPython Backend = "python"
	// BackendPHP uses the PHP built-in server
	BackendPHP Backend = "php"
	// BackendNode uses the http-server npm package
	BackendNode Backend = "node"
)

// ParseBackend converts a user supplied name into a Backend
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "python", "python3", "py":
		return BackendPython, nil
	case "php":
		return BackendPHP, nil
	case "node", "nodejs", "http-server":
		return BackendNode, nil
	}
	return "", &ConfigError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q (use python, php or node)", name)}
}

// TunnelStatus represents the current state of a tunnel
type TunnelStatus string

const (
	// StatusActive indicates the tunnel has a public URL
	StatusActive TunnelStatus = "active"
	// StatusFailed indicates the tunnel did not come up
	StatusFailed TunnelStatus = "failed"
	// StatusRecovering indicates a degraded tunnel is being restarted
	StatusRecovering TunnelStatus = "recovering"
)

// FailureReason explains why a tunnel is not active
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonBinaryMissing    FailureReason = "binary_missing"
	ReasonSpawnFailed      FailureReason = "spawn_failed"
	ReasonNeedsCredentials FailureReason = "needs_credentials"
	ReasonProcessExited    FailureReason = "process_exited"
	ReasonTimeout          FailureReason = "discovery_timeout"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonUnreachable      FailureReason = "unreachable"
)

// Hint returns the concrete next step an operator should take for the failure
func (r FailureReason) Hint(p Provider, logPath string) string {
	switch r {
	case ReasonBinaryMissing:
		return fmt.Sprintf("%s client not found; install %s into the bin directory or $PATH (see 'l2i doctor')", p.Title(), p.ProcessName())
	case ReasonNeedsCredentials:
		return fmt.Sprintf("%s needs an auth token; run 'l2i keys set %s <token>'", p.Title(), p)
	case ReasonSpawnFailed, ReasonProcessExited, ReasonTimeout, ReasonUnreachable:
		return fmt.Sprintf("inspect %s", logPath)
	case ReasonCancelled:
		return "startup was interrupted"
	}
	return ""
}

// TunnelResult is the outcome of starting one provider
type TunnelResult struct {
	Provider  Provider      `json:"provider"`
	URL       string        `json:"url,omitempty"`
	Status    TunnelStatus  `json:"status"`
	Reason    FailureReason `json:"reason,omitempty"`
	LogPath   string        `json:"logPath,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
}

// Active reports whether the result carries a live public URL
func (r TunnelResult) Active() bool {
	return r.Status == StatusActive && r.URL != ""
}

// Failed builds a failed result
func Failed(p Provider, reason FailureReason, logPath string) TunnelResult {
	return TunnelResult{
		Provider:  p,
		Status:    StatusFailed,
		Reason:    reason,
		LogPath:   logPath,
		StartedAt: time.Now(),
	}
}

// Summary counts active tunnels among the attempted ones
type Summary struct {
	Active int
	Total  int
}

// Summarize counts the active results
func Summarize(results map[Provider]TunnelResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Active() {
			s.Active++
		}
	}
	return s
}

// IsWindows returns true if running on Windows
func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// IsTermux returns true when running inside Termux on Android, where clients start slowly
func IsTermux() bool {
	info, err := os.Stat("/data/data/com.termux/files/home")
	return err == nil && info.IsDir()
}
