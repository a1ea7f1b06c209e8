package core

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ServerProcessName is the registry key of the local HTTP server
const ServerProcessName = "server"

// LocalServerSpec describes what to serve and how
type LocalServerSpec struct {
	Directory string
	Port      int
	Backend   Backend
}

// Validate checks the spec without side effects
func (s LocalServerSpec) Validate() error {
	if s.Directory == "" {
		return &ConfigError{Field: "directory", Reason: "no directory given"}
	}
	if !filepath.IsAbs(s.Directory) {
		return &ConfigError{Field: "directory", Reason: fmt.Sprintf("%s is not an absolute path", s.Directory)}
	}
	info, err := os.Stat(s.Directory)
	if err != nil {
		return &ConfigError{Field: "directory", Reason: fmt.Sprintf("%s does not exist", s.Directory)}
	}
	if !info.IsDir() {
		return &ConfigError{Field: "directory", Reason: fmt.Sprintf("%s is not a directory", s.Directory)}
	}
	entries, err := os.Open(s.Directory)
	if err != nil {
		return &ConfigError{Field: "directory", Reason: fmt.Sprintf("%s is not readable", s.Directory)}
	}
	entries.Close()

	if s.Port < 1 || s.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is outside 1-65535", s.Port)}
	}

	switch s.Backend {
	case BackendPython, BackendNode:
	case BackendPHP:
		if !fileExists(filepath.Join(s.Directory, "index.php")) && !fileExists(filepath.Join(s.Directory, "index.html")) {
			return &ConfigError{Field: "directory", Reason: fmt.Sprintf("no index.php or index.html found in %s (required by the php backend)", s.Directory)}
		}
	default:
		return &ConfigError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", s.Backend)}
	}
	return nil
}

// BackendBinaries maps each backend to the executable used to run it
type BackendBinaries map[Backend]string

// DefaultBackendBinaries returns the stock interpreters
func DefaultBackendBinaries() BackendBinaries {
	return BackendBinaries{
		BackendPython: "python3",
		BackendPHP:    "php",
		BackendNode:   "http-server",
	}
}

// LocalServer launches a local HTTP backend and checks that it answers
type LocalServer struct {
	registry *ProcessRegistry
	binaries BackendBinaries
	logDir   string
	client   *http.Client

	mu   sync.Mutex
	proc *ManagedProcess
}

// NewLocalServer creates a launcher that writes logs/server.log under logDir
func NewLocalServer(registry *ProcessRegistry, binaries BackendBinaries, logDir string) *LocalServer {
	if binaries == nil {
		binaries = DefaultBackendBinaries()
	}
	return &LocalServer{
		registry: registry,
		binaries: binaries,
		logDir:   logDir,
		client:   &http.Client{Timeout: 3 * time.Second},
	}
}

// LogPath returns the file receiving the server's output
func (ls *LocalServer) LogPath() string {
	return filepath.Join(ls.logDir, "server.log")
}

// Command builds the binary and arguments for spec
func (ls *LocalServer) Command(spec LocalServerSpec) (string, []string) {
	port := strconv.Itoa(spec.Port)
	switch spec.Backend {
	case BackendPHP:
		return ls.binaries[BackendPHP], []string{"-S", "127.0.0.1:" + port}
	case BackendNode:
		return ls.binaries[BackendNode], []string{"-p", port, "-a", "127.0.0.1", "-c-1"}
	default:
		return ls.binaries[BackendPython], []string{"-m", "http.server", port, "--bind", "127.0.0.1"}
	}
}

// Start validates spec and spawns the backend under the "server" name
func (ls *LocalServer) Start(spec LocalServerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	binary, args := ls.Command(spec)
	if binary == "" {
		return &ConfigError{Field: "backend", Reason: fmt.Sprintf("no binary configured for %s", spec.Backend)}
	}

	Info("Starting %s server on port %d...", spec.Backend, spec.Port)
	mp, err := ls.registry.Spawn(SpawnOptions{
		Name:    ServerProcessName,
		Binary:  binary,
		Args:    args,
		Dir:     spec.Directory,
		LogPath: ls.LogPath(),
	})
	if err != nil {
		return fmt.Errorf("failed to start %s server: %w", spec.Backend, err)
	}

	ls.mu.Lock()
	ls.proc = mp
	ls.mu.Unlock()
	return nil
}

// process returns the last spawned server, nil before Start
func (ls *LocalServer) process() *ManagedProcess {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.proc
}

// Verify polls http://127.0.0.1:port/ until a response with status below 400 arrives
func (ls *LocalServer) Verify(ctx context.Context, port, attempts int, interval time.Duration) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	err := Poll(ctx, attempts, interval, func() error {
		if proc := ls.process(); proc != nil && !proc.Running() {
			return Abort(ErrServerUnreachable)
		}
		ok, err := httpHealthy(ctx, ls.client, http.MethodGet, url)
		if err != nil {
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	})
	return err == nil
}

// httpHealthy performs one request and reports whether the status is below 400
func httpHealthy(ctx context.Context, client *http.Client, method, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode < 400, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
