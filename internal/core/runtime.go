package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/takaaki-s/l2i/internal/metrics"
	"github.com/takaaki-s/l2i/internal/store"
)

// Runtime owns everything a serve run touches: the process registry, the stores and the
// metrics. It is created once per invocation and passed explicitly.
type Runtime struct {
	Paths    store.Paths
	Registry *ProcessRegistry
	Creds    *store.CredentialStore
	Sessions *store.SessionRecorder
	Events   *store.EventLog
	Stats    *store.StatsStore
	Metrics  *metrics.Metrics

	debug       bool
	cleanStrays bool

	mu      sync.Mutex
	orch    *Orchestrator
	session *store.SessionState // nil until tunnels started and after Shutdown
	saved   bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// RuntimeOption is a functional option for Runtime
type RuntimeOption func(*Runtime)

// WithRuntimeDebug logs child command lines
func WithRuntimeDebug(debug bool) RuntimeOption {
	return func(r *Runtime) {
		r.debug = debug
	}
}

// WithRuntimeMetrics records Prometheus metrics
func WithRuntimeMetrics(m *metrics.Metrics) RuntimeOption {
	return func(r *Runtime) {
		r.Metrics = m
	}
}

// WithStrayCleanup makes Shutdown also kill leftover clients from earlier runs
func WithStrayCleanup(enabled bool) RuntimeOption {
	return func(r *Runtime) {
		r.cleanStrays = enabled
	}
}

// NewRuntime prepares the state directory and opens the stores. The event log and the stats
// database are optional; failing to open them only logs a warning.
func NewRuntime(paths store.Paths, opts ...RuntimeOption) (*Runtime, error) {
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	r := &Runtime{
		Paths:    paths,
		Creds:    store.NewCredentialStore(paths.ConfigFile()),
		Sessions: store.NewSessionRecorder(paths.SessionFile()),
	}
	for _, opt := range opts {
		opt(r)
	}

	if events, err := store.OpenEventLog(paths.EventLogFile()); err != nil {
		Warn("Event log disabled: %v", err)
	} else {
		r.Events = events
	}

	if stats, err := store.OpenStatsStore(paths.StatsDB()); err != nil {
		Warn("Usage statistics disabled: %v", err)
	} else {
		r.Stats = stats
	}

	regOpts := []ProcessRegistryOption{WithDebug(r.debug)}
	if r.Events != nil {
		regOpts = append(regOpts, WithProcessEvents(r.Events))
	}
	r.Registry = NewProcessRegistry(regOpts...)
	return r, nil
}

// ServeOptions configures one serve run
type ServeOptions struct {
	Directory string
	Port      int
	Backend   Backend
	Providers []Provider

	ProviderOptions map[Provider]ProviderOptions
	BackendBinaries BackendBinaries
	Budget          DiscoveryBudget
	Concurrent      bool

	VerifyAttempts int
	VerifyInterval time.Duration
	StartDelay     time.Duration

	Health         bool
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	RecoveryDelay  time.Duration

	// AcceptPort is asked before switching to a free port; nil accepts silently
	AcceptPort func(alternative int) bool

	// OnReady receives the results once every provider has been tried
	OnReady func(port int, results map[Provider]TunnelResult)

	// Wait blocks while serving; nil waits for ctx
	Wait func(ctx context.Context, orch *Orchestrator) error
}

// Serve runs the whole flow: validate, start and verify the local server, start the tunnels,
// record the session, keep serving, then shut down. Only configuration errors and an
// unreachable local server are returned as errors.
func (r *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	spec := LocalServerSpec{Directory: opts.Directory, Port: opts.Port, Backend: opts.Backend}
	if err := spec.Validate(); err != nil {
		return err
	}

	port, err := ResolvePort(opts.Port, opts.AcceptPort)
	if err != nil {
		return err
	}
	spec.Port = port

	server := NewLocalServer(r.Registry, opts.BackendBinaries, r.Paths.LogDir())
	if err := server.Start(spec); err != nil {
		if IsConfigError(err) {
			return err
		}
		r.Shutdown(context.Background())
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	if err := sleepContext(ctx, opts.StartDelay); err != nil {
		return r.Shutdown(context.Background())
	}

	if !server.Verify(ctx, port, opts.VerifyAttempts, opts.VerifyInterval) {
		r.Metrics.SetServerUp(false)
		r.Shutdown(context.Background())
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w on port %d; inspect %s", ErrServerUnreachable, port, server.LogPath())
	}
	r.Metrics.SetServerUp(true)
	r.record("server_started", map[string]interface{}{"backend": spec.Backend, "port": port, "directory": spec.Directory})
	Info("Local server ready at http://127.0.0.1:%d", port)

	drivers, err := r.Drivers(opts)
	if err != nil {
		r.Shutdown(context.Background())
		return err
	}

	orch := NewOrchestrator(drivers,
		WithConcurrency(opts.Concurrent),
		WithNetworkProbe(NewHTTPProbe(opts.HealthTimeout)),
		WithEvents(r.recorder()),
		WithMetrics(r.Metrics),
		WithRecoveryDelay(opts.RecoveryDelay),
		WithResultObserver(r.tunnelChanged),
	)

	state := store.NewSessionState(port, string(spec.Backend), spec.Directory)
	r.mu.Lock()
	r.orch = orch
	r.mu.Unlock()

	results := orch.StartAll(ctx, port, r.credentials(), opts.Providers)
	if ctx.Err() != nil {
		return r.Shutdown(context.Background())
	}

	r.saveSession(state, results)
	if opts.OnReady != nil {
		opts.OnReady(port, results)
	}

	if opts.Health {
		orch.StartMonitoring(ctx, opts.HealthInterval)
	}

	var waitErr error
	if opts.Wait != nil {
		waitErr = opts.Wait(ctx, orch)
	} else {
		<-ctx.Done()
	}

	if err := r.Shutdown(context.Background()); err != nil {
		Warn("Cleanup incomplete: %v", err)
	}
	r.recordUsage(state, orch.Results())
	return waitErr
}

// Drivers builds one driver per requested provider
func (r *Runtime) Drivers(opts ServeOptions) ([]TunnelDriver, error) {
	budget := opts.Budget
	if budget.Interval <= 0 {
		budget = DefaultDiscoveryBudget()
	}

	drivers := make([]TunnelDriver, 0, len(opts.Providers))
	for _, p := range opts.Providers {
		po := opts.ProviderOptions[p]
		po.Binary = ResolveBinary(po.Binary, r.Paths.BinDir(), p.ProcessName())

		spec, err := NewProviderSpec(p, po)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, NewDriver(spec, r.Registry, r.Paths.LogDir(), budget))
	}
	return drivers, nil
}

// Orchestrator returns the orchestrator of the current run, nil before tunnels start
func (r *Runtime) Orchestrator() *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orch
}

// Shutdown stops health checks, terminates every child process and clears the session. Only
// the first call does anything.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		Info("Shutting down...")

		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()

		if orch := r.Orchestrator(); orch != nil {
			orch.Stop()
		}

		r.shutdownErr = r.Registry.TerminateAll(ctx)

		if r.cleanStrays {
			if n := KillStrays(ctx, StrayPatterns); n > 0 {
				Debug("Killed %d stray processes", n)
			}
		}

		if err := r.Sessions.Clear(); err != nil {
			Warn("Failed to clear session: %v", err)
		} else {
			r.record("session_cleared", nil)
		}

		r.Metrics.SetServerUp(false)
		r.Metrics.SetActiveTunnels(0)
	})
	return r.shutdownErr
}

// Close releases the stores. Call after Shutdown.
func (r *Runtime) Close() error {
	if r.Stats != nil {
		if err := r.Stats.Close(); err != nil {
			Warn("Failed to close stats database: %v", err)
		}
	}
	return r.Events.Close()
}

func (r *Runtime) credentials() Credentials {
	creds, err := r.Creds.Load()
	if err != nil {
		Warn("Ignoring unreadable credentials: %v", err)
	}
	return Credentials{NgrokToken: creds.NgrokToken, LoclxToken: creds.LoclxToken}
}

func (r *Runtime) saveSession(state *store.SessionState, results map[Provider]TunnelResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p, res := range results {
		state.Tunnels[string(p)] = tunnelRecord(res)
	}
	r.session = state
	if Summarize(results).Active == 0 {
		return
	}

	r.writeSession(state)
	if err := r.Creds.SetLastPort(state.Port); err != nil {
		Warn("Failed to remember port: %v", err)
	}
}

// tunnelChanged keeps the session file in step with recoveries and manual restarts
func (r *Runtime) tunnelChanged(p Provider, res TunnelResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.session
	if state == nil {
		return
	}
	state.Tunnels[string(p)] = tunnelRecord(res)
	if r.saved || res.Active() {
		r.writeSession(state)
	}
}

// writeSession must be called with r.mu held
func (r *Runtime) writeSession(state *store.SessionState) {
	if err := r.Sessions.Save(state); err != nil {
		Warn("Session not saved: %v", err)
		return
	}
	if !r.saved {
		r.record("session_saved", map[string]interface{}{"id": state.ID, "port": state.Port})
	}
	r.saved = true
}

func tunnelRecord(res TunnelResult) store.TunnelRecord {
	return store.TunnelRecord{
		URL:    res.URL,
		Status: string(res.Status),
		Reason: string(res.Reason),
	}
}

func (r *Runtime) recordUsage(state *store.SessionState, results map[Provider]TunnelResult) {
	if r.Stats == nil {
		return
	}

	var providers []string
	for p, res := range results {
		if res.Active() {
			providers = append(providers, string(p))
		}
	}

	err := r.Stats.RecordSession(store.UsageRecord{
		ID:        state.ID,
		StartedAt: state.StartedAt,
		Duration:  time.Since(state.StartedAt),
		Backend:   state.Backend,
		Providers: providers,
	})
	if err != nil {
		Warn("Usage statistics not recorded: %v", err)
	}
}

// recorder returns the event log as an EventRecorder, nil when disabled
func (r *Runtime) recorder() EventRecorder {
	if r.Events == nil {
		return nil
	}
	return r.Events
}

func (r *Runtime) record(event string, details map[string]interface{}) {
	if r.Events != nil {
		r.Events.Record(event, details)
	}
}
