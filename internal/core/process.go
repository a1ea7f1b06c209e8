package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessRegistry tracks spawned child processes by logical name
type ProcessRegistry struct {
	// Debug mode flag for verbose logging
	debug bool

	// Time between SIGTERM and SIGKILL
	grace time.Duration

	// Optional observer for lifecycle events
	events EventRecorder

	mu        sync.Mutex
	processes map[string]*ManagedProcess
}

// ManagedProcess contains information about a running child process
type ManagedProcess struct {
	// Symbolic key, e.g. "server" or "ngrok"
	Name string

	// Command that was executed
	Cmd *exec.Cmd

	// Process ID
	PID int

	// Start time
	StartedAt time.Time

	// File receiving stdout and stderr, if any
	LogPath string

	done    chan struct{}
	waitErr error
}

// Exited returns a channel closed when the process has exited
func (mp *ManagedProcess) Exited() <-chan struct{} {
	return mp.done
}

// Running reports whether the process has not exited yet
func (mp *ManagedProcess) Running() bool {
	select {
	case <-mp.done:
		return false
	default:
		return true
	}
}

// SpawnOptions describes a child process to start
type SpawnOptions struct {
	Name    string
	Binary  string
	Args    []string
	Dir     string
	LogPath string
	Env     []string
}

// ProcessRegistryOption is a functional option for ProcessRegistry
type ProcessRegistryOption func(*ProcessRegistry)

// WithDebug enables debug mode for the registry
func WithDebug(debug bool) ProcessRegistryOption {
	return func(r *ProcessRegistry) {
		r.debug = debug
	}
}

// WithGracePeriod sets how long Terminate waits after SIGTERM before SIGKILL
func WithGracePeriod(d time.Duration) ProcessRegistryOption {
	return func(r *ProcessRegistry) {
		r.grace = d
	}
}

// WithProcessEvents records process_started and process_killed events
func WithProcessEvents(events EventRecorder) ProcessRegistryOption {
	return func(r *ProcessRegistry) {
		r.events = events
	}
}

// NewProcessRegistry creates a new registry instance
func NewProcessRegistry(opts ...ProcessRegistryOption) *ProcessRegistry {
	r := &ProcessRegistry{
		grace:     time.Second,
		processes: make(map[string]*ManagedProcess),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Spawn starts a child process and registers it under opts.Name. A process already registered
// under that name is terminated first.
func (r *ProcessRegistry) Spawn(opts SpawnOptions) (*ManagedProcess, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("process name cannot be empty")
	}
	if opts.Binary == "" {
		return nil, fmt.Errorf("no binary given for %s", opts.Name)
	}

	if err := r.Terminate(opts.Name); err != nil {
		Warn("Failed to stop previous %s process: %v", opts.Name, err)
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	// Own process group so the whole tree can be signalled
	cmd.SysProcAttr = sysProcAttr()

	var logFile *os.File
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if r.debug {
		LogCommand(opts.Name, append([]string{opts.Binary}, opts.Args...))
	}

	err := cmd.Start()
	if logFile != nil {
		// the child holds its own descriptor
		logFile.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Name, err)
	}

	mp := r.Register(opts.Name, cmd)
	mp.LogPath = opts.LogPath
	return mp, nil
}

// Register tracks an already started command under name
func (r *ProcessRegistry) Register(name string, cmd *exec.Cmd) *ManagedProcess {
	mp := &ManagedProcess{
		Name:      name,
		Cmd:       cmd,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[name] = mp
	r.mu.Unlock()

	WithFields(map[string]interface{}{"process": name, "pid": mp.PID}).Debug("process started")
	r.record("process_started", map[string]interface{}{"name": name, "pid": mp.PID})

	// Monitor process lifecycle in background
	go r.monitorProcess(mp)

	return mp
}

// monitorProcess reaps the child and forgets it once it exits
func (r *ProcessRegistry) monitorProcess(mp *ManagedProcess) {
	mp.waitErr = mp.Cmd.Wait()
	close(mp.done)

	if r.debug {
		if mp.waitErr != nil {
			Debug("Process %s (PID %d) exited: %v", mp.Name, mp.PID, mp.waitErr)
		} else {
			Debug("Process %s (PID %d) exited normally", mp.Name, mp.PID)
		}
	}

	r.mu.Lock()
	if r.processes[mp.Name] == mp {
		delete(r.processes, mp.Name)
	}
	r.mu.Unlock()
}

// Get returns the live process registered under name
func (r *ProcessRegistry) Get(name string) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mp, ok := r.processes[name]
	return mp, ok
}

// Alive reports whether a running process is registered under name
func (r *ProcessRegistry) Alive(name string) bool {
	mp, ok := r.Get(name)
	return ok && mp.Running()
}

// Names returns the registered names in sorted order
func (r *ProcessRegistry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.processes))
	for name := range r.processes {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len returns the number of tracked processes
func (r *ProcessRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

// Terminate stops the process registered under name: SIGTERM to its group, a grace period,
// then SIGKILL. Unknown names and already exited processes are not an error.
func (r *ProcessRegistry) Terminate(name string) error {
	r.mu.Lock()
	mp, exists := r.processes[name]
	if exists {
		delete(r.processes, name)
	}
	r.mu.Unlock()

	if !exists || !mp.Running() {
		return nil
	}

	if r.debug {
		Debug("Terminating %s (PID: %d)", name, mp.PID)
	}

	if err := terminateGroup(mp.PID); err != nil && !isNoSuchProcess(err) {
		Debug("SIGTERM failed for PID %d: %v", mp.PID, err)
	}

	select {
	case <-mp.done:
	case <-time.After(r.grace):
		if err := killGroup(mp.PID); err != nil && !isNoSuchProcess(err) {
			return fmt.Errorf("failed to kill process %d: %w", mp.PID, err)
		}
		select {
		case <-mp.done:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("process %d did not exit after SIGKILL", mp.PID)
		}
	}

	r.record("process_killed", map[string]interface{}{"name": name, "pid": mp.PID})
	return nil
}

// TerminateAll stops every tracked process. It is safe to call repeatedly.
func (r *ProcessRegistry) TerminateAll(ctx context.Context) error {
	names := r.Names()

	var wg sync.WaitGroup
	errChan := make(chan error, len(names))

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := r.Terminate(name); err != nil {
				errChan <- fmt.Errorf("failed to terminate %s: %w", name, err)
			}
		}(name)
	}

	// Wait for all terminations or context cancellation
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *ProcessRegistry) record(event string, details map[string]interface{}) {
	if r.events != nil {
		r.events.Record(event, details)
	}
}

// KillStrays kills processes left over from earlier runs whose command line contains one of
// the patterns. The current process is never touched. Returns how many were killed.
func KillStrays(ctx context.Context, patterns []string) int {
	if len(patterns) == 0 {
		return 0
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		Debug("Failed to list processes: %v", err)
		return 0
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		for _, pattern := range patterns {
			if strings.Contains(cmdline, pattern) {
				if err := p.KillWithContext(ctx); err != nil && !isNoSuchProcess(err) {
					Debug("Failed to kill stray process %d: %v", p.Pid, err)
				} else if err == nil {
					killed++
				}
				break
			}
		}
	}
	return killed
}
