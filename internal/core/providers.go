package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultNgrokAPIAddr is where the ngrok agent serves its local API
	DefaultNgrokAPIAddr = "127.0.0.1:4040"
	// DefaultCloudflareMetricsAddr is passed to cloudflared --metrics
	DefaultCloudflareMetricsAddr = "127.0.0.1:20241"
)

var (
	ngrokURLPattern      = regexp.MustCompile(`https://[A-Za-z0-9.-]+\.ngrok(-free)?\.(app|io|dev)`)
	cloudflareURLPattern = regexp.MustCompile(`https://[A-Za-z0-9-]+\.trycloudflare\.com`)
	loclxURLPattern      = regexp.MustCompile(`https://[A-Za-z0-9.-]+\.loclx\.io`)
)

// ngrok points unauthenticated users at its dashboard, which must never be taken for a tunnel
const ngrokDashboard = "dashboard.ngrok.com"

// DefaultAuthMarkers returns the log strings that mean a provider refused to start without
// credentials
func DefaultAuthMarkers(p Provider) []string {
	switch p {
	case ProviderNgrok:
		return []string{"ERR_NGROK_4018", "authentication failed", "dashboard.ngrok.com/get-started/your-authtoken"}
	case ProviderLoclx:
		return []string{"unauthorized", "not logged in"}
	}
	return nil
}

// ProviderOptions are the user-tunable parts of a provider
type ProviderOptions struct {
	// Resolved client binary
	Binary string

	ExtraArgs []string

	// Nil keeps DefaultAuthMarkers
	AuthMarkers []string

	// ngrok API or cloudflared metrics address
	ControlAddr string
}

// NewProviderSpec returns the spec for p with opts applied
func NewProviderSpec(p Provider, opts ProviderOptions) (ProviderSpec, error) {
	markers := opts.AuthMarkers
	if markers == nil {
		markers = DefaultAuthMarkers(p)
	}

	spec := ProviderSpec{
		Provider:    p,
		Binary:      opts.Binary,
		ExtraArgs:   opts.ExtraArgs,
		AuthMarkers: markers,
	}
	if spec.Binary == "" {
		spec.Binary = p.ProcessName()
	}

	switch p {
	case ProviderNgrok:
		addr := opts.ControlAddr
		if addr == "" {
			addr = DefaultNgrokAPIAddr
		}
		spec.Args = ngrokArgs
		spec.ControlURL = "http://" + addr + "/api/tunnels"
		spec.ParseControl = ParseNgrokTunnels
		spec.URLPattern = ngrokURLPattern
		spec.Exclude = []string{ngrokDashboard}
		spec.UsesToken = true

	case ProviderCloudflare:
		addr := opts.ControlAddr
		if addr == "" {
			addr = DefaultCloudflareMetricsAddr
		}
		spec.Args = func(port int, _ string) []string {
			return []string{"tunnel", "--no-autoupdate", "--metrics", addr, "--url", fmt.Sprintf("http://127.0.0.1:%d", port)}
		}
		spec.ControlURL = "http://" + addr + "/quicktunnel"
		spec.ParseControl = ParseQuickTunnel
		spec.URLPattern = cloudflareURLPattern

	case ProviderLoclx:
		spec.Args = loclxArgs
		spec.URLPattern = loclxURLPattern
		spec.UsesToken = true

	default:
		return ProviderSpec{}, &ConfigError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", p)}
	}
	return spec, nil
}

func ngrokArgs(port int, token string) []string {
	args := []string{"http", "--log=stdout", "--log-level=info"}
	if token != "" {
		args = append(args, "--authtoken="+token)
	}
	return append(args, strconv.Itoa(port))
}

func loclxArgs(port int, token string) []string {
	args := []string{"tunnel", "http", "--to", fmt.Sprintf("127.0.0.1:%d", port), "--region", "us"}
	if token != "" {
		args = append(args, "--token="+token)
	}
	return args
}

type ngrokTunnelList struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

// ParseNgrokTunnels extracts the public URL from the ngrok /api/tunnels payload. The https
// tunnel wins; a plain http URL is upgraded. An empty list yields "" and no error.
func ParseNgrokTunnels(body []byte) (string, error) {
	var list ngrokTunnelList
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("failed to decode ngrok tunnels: %w", err)
	}

	var url string
	for _, t := range list.Tunnels {
		u := trimURL(t.PublicURL)
		if u == "" {
			continue
		}
		if t.Proto == "https" || strings.HasPrefix(u, "https://") {
			url = u
			break
		}
		if url == "" {
			url = u
		}
	}

	if strings.Contains(url, ngrokDashboard) {
		return "", errNeedsCredentials
	}
	if strings.HasPrefix(url, "http://") {
		url = "https://" + strings.TrimPrefix(url, "http://")
	}
	return url, nil
}

// ParseQuickTunnel extracts the public URL from cloudflared's /quicktunnel payload
func ParseQuickTunnel(body []byte) (string, error) {
	var qt struct {
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(body, &qt); err != nil {
		return "", fmt.Errorf("failed to decode quicktunnel response: %w", err)
	}
	host := trimURL(qt.Hostname)
	if host == "" {
		return "", nil
	}
	if strings.HasPrefix(host, "https://") {
		return host, nil
	}
	return "https://" + host, nil
}

// ResolveBinary picks the client executable: an explicit path, then <binDir>/<name>, then
// the bare name for a $PATH lookup
func ResolveBinary(configured, binDir, name string) string {
	if configured != "" {
		return configured
	}
	if binDir != "" {
		candidate := filepath.Join(binDir, name)
		if IsWindows() {
			candidate += ".exe"
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && (IsWindows() || info.Mode()&0111 != 0) {
			return candidate
		}
	}
	return name
}

// KeyCheck is what a client says about its stored auth token
type KeyCheck string

const (
	KeyValid      KeyCheck = "valid"
	KeyConfigured KeyCheck = "configured"
	KeyUnverified KeyCheck = "unverified"
)

// CheckNgrokConfig runs `ngrok config check`. The agent only validates its own config file,
// so an unclear answer is KeyUnverified rather than a failure.
func CheckNgrokConfig(ctx context.Context, binary string) KeyCheck {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "config", "check").CombinedOutput()
	if err != nil {
		Debug("ngrok config check: %v", err)
	}
	return ParseNgrokConfigCheck(string(out))
}

// ParseNgrokConfigCheck classifies the output of `ngrok config check`
func ParseNgrokConfigCheck(out string) KeyCheck {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(out, "Valid") || strings.Contains(out, "OK") || strings.Contains(lower, "success"):
		return KeyValid
	case strings.Contains(lower, "authtoken"):
		return KeyConfigured
	}
	return KeyUnverified
}

// StrayPatterns are command line fragments of processes this tool may have left behind
var StrayPatterns = []string{
	"ngrok http",
	"cloudflared tunnel",
	"loclx tunnel",
	"http.server",
	"php -S",
	"http-server -p",
}
