package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	errNeedsCredentials = errors.New("authentication required")
	errProcessExited    = errors.New("tunnel client exited")
)

// maxLogScan caps how much of a client log is read per discovery attempt
const maxLogScan = 1 << 20

// Credentials carries the auth tokens available at tunnel start time
type Credentials struct {
	NgrokToken string
	LoclxToken string
}

// Token returns the token configured for p, if any
func (c Credentials) Token(p Provider) string {
	switch p {
	case ProviderNgrok:
		return c.NgrokToken
	case ProviderLoclx:
		return c.LoclxToken
	}
	return ""
}

// TunnelDriver starts one provider's client and reports its public URL
type TunnelDriver interface {
	Provider() Provider
	Available() bool
	Start(ctx context.Context, port int, creds Credentials) TunnelResult
	Stop() error
	LogPath() string
}

// DiscoveryBudget bounds URL discovery
type DiscoveryBudget struct {
	Interval        time.Duration
	ControlAttempts int
	LogAttempts     int
}

// DefaultDiscoveryBudget returns the budget used on ordinary machines
func DefaultDiscoveryBudget() DiscoveryBudget {
	return DiscoveryBudget{
		Interval:        time.Second,
		ControlAttempts: 12,
		LogAttempts:     20,
	}
}

// Scale multiplies the attempt counts, used on slow devices
func (b DiscoveryBudget) Scale(factor int) DiscoveryBudget {
	if factor > 1 {
		b.ControlAttempts *= factor
		b.LogAttempts *= factor
	}
	return b
}

// ProviderSpec holds everything provider specific: how to launch the client and how to
// recognise its public URL
type ProviderSpec struct {
	Provider Provider

	// Executable path or name looked up in $PATH
	Binary string

	// Args builds the client arguments for the target port and optional token
	Args func(port int, token string) []string

	// Appended to the generated arguments
	ExtraArgs []string

	// Local JSON status endpoint, empty when the client exposes none
	ControlURL string

	// ParseControl extracts the public URL from a control endpoint payload
	ParseControl func(body []byte) (string, error)

	URLPattern  *regexp.Regexp
	Exclude     []string
	AuthMarkers []string

	// Whether the provider takes a token at all
	UsesToken bool
}

// Driver is the TunnelDriver for a ProviderSpec
type Driver struct {
	spec     ProviderSpec
	registry *ProcessRegistry
	logDir   string
	budget   DiscoveryBudget
	client   *http.Client

	mu   sync.Mutex
	proc *ManagedProcess
}

// NewDriver creates a driver writing <logDir>/<provider>.log
func NewDriver(spec ProviderSpec, registry *ProcessRegistry, logDir string, budget DiscoveryBudget) *Driver {
	return &Driver{
		spec:     spec,
		registry: registry,
		logDir:   logDir,
		budget:   budget,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Provider returns the provider this driver handles
func (d *Driver) Provider() Provider {
	return d.spec.Provider
}

// LogPath returns the file that captures the client's output
func (d *Driver) LogPath() string {
	return filepath.Join(d.logDir, string(d.spec.Provider)+".log")
}

// Available reports whether the client binary can be executed
func (d *Driver) Available() bool {
	if d.spec.Binary == "" {
		return false
	}
	_, err := exec.LookPath(d.spec.Binary)
	return err == nil
}

// Command returns the full argument vector for port and token
func (d *Driver) Command(port int, token string) []string {
	args := d.spec.Args(port, token)
	return append(args, d.spec.ExtraArgs...)
}

// Start launches the client against port and waits for its public URL. Failures are
// reported in the result, never as an error.
func (d *Driver) Start(ctx context.Context, port int, creds Credentials) TunnelResult {
	p := d.spec.Provider
	if !d.Available() {
		Warn("%s binary not found", p.Title())
		return Failed(p, ReasonBinaryMissing, d.LogPath())
	}

	token := creds.Token(p)
	if d.spec.UsesToken && token == "" {
		Warn("%s auth token not configured (may have rate limits)", p.Title())
	}

	Info("Starting %s tunnel...", p.Title())
	mp, err := d.registry.Spawn(SpawnOptions{
		Name:    p.ProcessName(),
		Binary:  d.spec.Binary,
		Args:    d.Command(port, token),
		LogPath: d.LogPath(),
	})
	if err != nil {
		Error("Failed to start %s: %v", p.Title(), err)
		return Failed(p, ReasonSpawnFailed, d.LogPath())
	}

	d.mu.Lock()
	d.proc = mp
	d.mu.Unlock()

	result := d.Discover(ctx)
	if !result.Active() {
		if err := d.Stop(); err != nil {
			Warn("Failed to stop %s after failed start: %v", p.Title(), err)
		}
	}
	return result
}

// Stop terminates the client process
func (d *Driver) Stop() error {
	return d.registry.Terminate(d.spec.Provider.ProcessName())
}

// Discover extracts the public URL, first from the control endpoint (when the provider has
// one) and then from the captured log
func (d *Driver) Discover(ctx context.Context) TunnelResult {
	p := d.spec.Provider
	url, err := d.discover(ctx)
	if err != nil {
		reason := discoveryReason(err)
		WithFields(map[string]interface{}{"provider": p, "reason": reason}).Warn("tunnel discovery failed")
		return Failed(p, reason, d.LogPath())
	}

	WithFields(map[string]interface{}{"provider": p, "url": url}).Info("tunnel is up")
	return TunnelResult{
		Provider:  p,
		URL:       url,
		Status:    StatusActive,
		LogPath:   d.LogPath(),
		StartedAt: time.Now(),
	}
}

func (d *Driver) discover(ctx context.Context) (string, error) {
	var url string

	if d.spec.ControlURL != "" && d.spec.ParseControl != nil && d.budget.ControlAttempts > 0 {
		err := Poll(ctx, d.budget.ControlAttempts, d.budget.Interval, d.attempt(ctx, true, &url))
		if err == nil {
			return url, nil
		}
		if !isTransient(err) {
			return "", err
		}
		Debug("%s control endpoint gave no URL, scanning log", d.spec.Provider.Title())
	}

	if err := Poll(ctx, d.budget.LogAttempts, d.budget.Interval, d.attempt(ctx, false, &url)); err != nil {
		return "", err
	}
	return url, nil
}

// attempt builds one discovery try. The log is always checked for auth markers first since
// retrying cannot fix a missing token.
func (d *Driver) attempt(ctx context.Context, control bool, url *string) func() error {
	return func() error {
		text := d.readLog()
		if marker := FindAuthMarker(text, d.spec.AuthMarkers); marker != "" {
			return Abort(fmt.Errorf("%w: log contains %q", errNeedsCredentials, marker))
		}

		if control {
			u, err := d.queryControl(ctx)
			if errors.Is(err, errNeedsCredentials) {
				return Abort(err)
			}
			if err == nil && u != "" {
				*url = u
				return nil
			}
		} else if u := MatchURL(text, d.spec.URLPattern, d.spec.Exclude); u != "" {
			*url = u
			return nil
		}

		if d.exited() {
			return Abort(errProcessExited)
		}
		return errNotYet
	}
}

func (d *Driver) exited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc != nil && !d.proc.Running()
}

func (d *Driver) readLog() string {
	f, err := os.Open(d.LogPath())
	if err != nil {
		return ""
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxLogScan))
	if err != nil {
		return ""
	}
	return string(data)
}

func (d *Driver) queryControl(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.spec.ControlURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("control endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogScan))
	if err != nil {
		return "", err
	}
	return d.spec.ParseControl(body)
}

// MatchURL returns the first pattern match in text that contains none of the excluded
// substrings, trimmed of whitespace and quotes
func MatchURL(text string, pattern *regexp.Regexp, exclude []string) string {
	if pattern == nil {
		return ""
	}
	for _, m := range pattern.FindAllString(text, -1) {
		m = trimURL(m)
		if m == "" || containsAny(m, exclude) {
			continue
		}
		return m
	}
	return ""
}

// FindAuthMarker returns the first marker present in text, compared case-insensitively
func FindAuthMarker(text string, markers []string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, marker := range markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return marker
		}
	}
	return ""
}

func trimURL(s string) string {
	return strings.Trim(s, " \t\r\n\"'`")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isTransient reports whether a control phase error should fall through to the log phase
func isTransient(err error) bool {
	return !errors.Is(err, errNeedsCredentials) &&
		!errors.Is(err, errProcessExited) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func discoveryReason(err error) FailureReason {
	switch {
	case errors.Is(err, errNeedsCredentials):
		return ReasonNeedsCredentials
	case errors.Is(err, errProcessExited):
		return ReasonProcessExited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	}
	return ReasonTimeout
}
