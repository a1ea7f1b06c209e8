package core

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordedEvent is one call captured by eventSink
type recordedEvent struct {
	Name    string
	Details map[string]interface{}
}

// eventSink is an EventRecorder that keeps everything in memory
type eventSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *eventSink) Record(event string, details map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Name: event, Details: details})
}

func (s *eventSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.Name)
	}
	return names
}

func (s *eventSink) Has(name string) bool {
	for _, n := range s.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// TestProcessRegistryCreation tests the creation of ProcessRegistry
func TestProcessRegistryCreation(t *testing.T) {
	tests := []struct {
		name  string
		debug bool
	}{
		{
			name:  "Create without debug",
			debug: false,
		},
		{
			name:  "Create with debug",
			debug: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewProcessRegistry(WithDebug(tt.debug))
			if r == nil {
				t.Fatal("ProcessRegistry should not be nil")
			}
			if r.debug != tt.debug {
				t.Errorf("Expected debug=%v, got %v", tt.debug, r.debug)
			}
			if r.processes == nil {
				t.Fatal("processes map should be initialized")
			}
			if r.grace != time.Second {
				t.Errorf("Expected default grace period of 1s, got %v", r.grace)
			}
		})
	}
}

// TestSpawnValidation tests that incomplete spawn options are rejected
func TestSpawnValidation(t *testing.T) {
	r := NewProcessRegistry()

	tests := []struct {
		name string
		opts SpawnOptions
	}{
		{name: "Missing name", opts: SpawnOptions{Binary: "sleep"}},
		{name: "Missing binary", opts: SpawnOptions{Name: "server"}},
		{name: "Unknown binary", opts: SpawnOptions{Name: "server", Binary: "/nonexistent/l2i-test-binary"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Spawn(tt.opts); err == nil {
				t.Error("Expected spawn error but got none")
			}
			if r.Len() != 0 {
				t.Errorf("Expected no tracked processes, got %v", r.Names())
			}
		})
	}
}

// TestSpawnAndTerminate tests the basic lifecycle with a log file
func TestSpawnAndTerminate(t *testing.T) {
	requireUnix(t)

	sink := &eventSink{}
	r := NewProcessRegistry(WithGracePeriod(200*time.Millisecond), WithProcessEvents(sink))
	logPath := filepath.Join(t.TempDir(), "logs", "echo.log")

	mp, err := r.Spawn(SpawnOptions{
		Name:    "echo",
		Binary:  "sh",
		Args:    []string{"-c", "echo hello-from-child; sleep 30"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if mp.PID <= 0 {
		t.Errorf("Expected a positive PID, got %d", mp.PID)
	}
	if !r.Alive("echo") {
		t.Error("Process should be alive after spawn")
	}

	// Output reaches the log
	deadline := time.Now().Add(3 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "hello-from-child") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never received child output: %q", string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := r.Terminate("echo"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if r.Alive("echo") {
		t.Error("Process should not be alive after terminate")
	}
	if mp.Running() {
		t.Error("ManagedProcess should report exit after terminate")
	}
	if !sink.Has("process_started") || !sink.Has("process_killed") {
		t.Errorf("Expected start and kill events, got %v", sink.Names())
	}
}

// TestSpawnReplacesExisting tests that a name holds at most one live process
func TestSpawnReplacesExisting(t *testing.T) {
	requireUnix(t)

	r := NewProcessRegistry(WithGracePeriod(200 * time.Millisecond))
	defer r.TerminateAll(context.Background())

	first, err := r.Spawn(SpawnOptions{Name: "server", Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	second, err := r.Spawn(SpawnOptions{Name: "server", Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Second spawn failed: %v", err)
	}

	if first.Running() {
		t.Error("First process should have been terminated")
	}
	got, ok := r.Get("server")
	if !ok || got != second {
		t.Error("Registry should hold the second process")
	}
	if r.Len() != 1 {
		t.Errorf("Expected exactly one tracked process, got %d", r.Len())
	}
}

// TestTerminateIgnoresSIGTERM tests the SIGKILL fallback
func TestTerminateIgnoresSIGTERM(t *testing.T) {
	requireUnix(t)

	r := NewProcessRegistry(WithGracePeriod(300 * time.Millisecond))
	mp, err := r.Spawn(SpawnOptions{
		Name:   "stubborn",
		Binary: "sh",
		Args:   []string{"-c", "trap '' TERM; while true; do sleep 1; done"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	// give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := r.Terminate("stubborn"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if mp.Running() {
		t.Error("Process should be dead after SIGKILL")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("Terminate should have waited for the grace period")
	}
}

// TestExitedProcessIsForgotten tests that the monitor drops exited children
func TestExitedProcessIsForgotten(t *testing.T) {
	requireUnix(t)

	r := NewProcessRegistry()
	mp, err := r.Spawn(SpawnOptions{Name: "short", Binary: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case <-mp.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}

	// monitor removes the entry right after closing done
	deadline := time.Now().Add(time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.Alive("short") {
		t.Error("Exited process should not be alive")
	}
	if err := r.Terminate("short"); err != nil {
		t.Errorf("Terminate of an exited process should not fail: %v", err)
	}
}

// TestTerminateAllTwice tests that repeated teardown is harmless
func TestTerminateAllTwice(t *testing.T) {
	requireUnix(t)

	r := NewProcessRegistry(WithGracePeriod(200 * time.Millisecond))
	for _, name := range []string{"server", "ngrok", "cloudflared"} {
		if _, err := r.Spawn(SpawnOptions{Name: name, Binary: "sleep", Args: []string{"30"}}); err != nil {
			t.Fatalf("Spawn %s failed: %v", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.TerminateAll(ctx); err != nil {
		t.Errorf("First TerminateAll failed: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Expected no processes after first TerminateAll, got %v", r.Names())
	}
	if err := r.TerminateAll(ctx); err != nil {
		t.Errorf("Second TerminateAll failed: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Expected no processes after second TerminateAll, got %v", r.Names())
	}
}

// TestTerminateAllEmptyRegistry tests cleanup with no processes
func TestTerminateAllEmptyRegistry(t *testing.T) {
	r := NewProcessRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := r.TerminateAll(ctx); err != nil {
		t.Errorf("TerminateAll should succeed with no processes: %v", err)
	}
}

// TestKillStraysNoPatterns tests that an empty pattern list kills nothing
func TestKillStraysNoPatterns(t *testing.T) {
	if n := KillStrays(context.Background(), nil); n != 0 {
		t.Errorf("Expected 0 kills, got %d", n)
	}
}

// TestKillStrays tests cleanup by command line pattern
func TestKillStrays(t *testing.T) {
	requireUnix(t)

	marker := "l2i-stray-" + strings.ReplaceAll(t.Name(), "/", "-")
	cmd := exec.Command("sh", "-c", "sleep 30; : "+marker)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	if n := KillStrays(context.Background(), []string{marker}); n < 1 {
		t.Errorf("Expected at least one kill, got %d", n)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("stray process survived")
	}
}
