package core

import (
	"context"
	"sync"
	"time"

	"github.com/takaaki-s/l2i/internal/metrics"
)

// Orchestrator runs the tunnel drivers, keeps their results and restarts tunnels whose
// public URL stops answering
type Orchestrator struct {
	drivers map[Provider]TunnelDriver

	probe         NetworkProbe
	events        EventRecorder
	metrics       *metrics.Metrics
	concurrent    bool
	recoveryDelay time.Duration
	observer      func(Provider, TunnelResult)

	mu      sync.RWMutex
	results map[Provider]TunnelResult
	busy    map[Provider]bool
	port    int
	creds   Credentials

	monitorMu   sync.Mutex
	stopMonitor context.CancelFunc
	monitorDone chan struct{}

	// starts and restarts in flight; Stop cancels them through life and waits
	inflight sync.WaitGroup
	life     context.Context
	endLife  context.CancelFunc
	closed   bool

	// Event channel for UI updates
	statusChanges chan TunnelStatusChange
}

// TunnelStatusChange represents a tunnel status change event
type TunnelStatusChange struct {
	Provider  Provider
	OldStatus TunnelStatus
	NewStatus TunnelStatus
	URL       string
	Reason    FailureReason
}

// OrchestratorOption is a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithConcurrency starts providers in parallel when enabled
func WithConcurrency(concurrent bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.concurrent = concurrent
	}
}

// WithNetworkProbe replaces the default HEAD probe
func WithNetworkProbe(probe NetworkProbe) OrchestratorOption {
	return func(o *Orchestrator) {
		o.probe = probe
	}
}

// WithEvents records tunnel lifecycle events
func WithEvents(events EventRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.events = events
	}
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRecoveryDelay sets the pause between stopping and restarting an unhealthy tunnel
func WithRecoveryDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recoveryDelay = d
	}
}

// WithResultObserver calls fn with every result the orchestrator stores, including
// recoveries. fn may be called concurrently.
func WithResultObserver(fn func(Provider, TunnelResult)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// NewOrchestrator creates an orchestrator over drivers
func NewOrchestrator(drivers []TunnelDriver, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		drivers:       make(map[Provider]TunnelDriver, len(drivers)),
		probe:         NewHTTPProbe(5 * time.Second),
		concurrent:    true,
		recoveryDelay: 2 * time.Second,
		results:       make(map[Provider]TunnelResult),
		busy:          make(map[Provider]bool),
		statusChanges: make(chan TunnelStatusChange, 100),
	}
	o.life, o.endLife = context.WithCancel(context.Background())
	for _, d := range drivers {
		o.drivers[d.Provider()] = d
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// StartAll starts every enabled provider against port. Providers without a driver or binary
// get a failed result; StartAll itself never fails.
func (o *Orchestrator) StartAll(ctx context.Context, port int, creds Credentials, enabled []Provider) map[Provider]TunnelResult {
	ctx, done, ok := o.begin(ctx)
	if !ok {
		for _, p := range enabled {
			o.store(p, o.cancelled(p))
		}
		return o.Results()
	}
	defer done()

	o.mu.Lock()
	o.port = port
	o.creds = creds
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range enabled {
		if !o.concurrent {
			o.startOne(ctx, p)
			continue
		}
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			o.startOne(ctx, p)
		}(p)
	}
	wg.Wait()

	summary := o.Summary()
	Info("%d/%d tunnels active", summary.Active, summary.Total)
	return o.Results()
}

func (o *Orchestrator) startOne(ctx context.Context, p Provider) TunnelResult {
	driver, ok := o.drivers[p]
	if !ok || !driver.Available() {
		logPath := ""
		if ok {
			logPath = driver.LogPath()
		}
		Warn("%s client not installed, skipping", p.Title())
		result := Failed(p, ReasonBinaryMissing, logPath)
		o.store(p, result)
		return result
	}

	if ctx.Err() != nil {
		result := o.cancelled(p)
		o.store(p, result)
		return result
	}

	creds, port := o.target()
	started := time.Now()
	result := driver.Start(ctx, port, creds)
	o.metrics.TunnelStarted(string(p), result.Active(), time.Since(started))

	if result.Active() {
		o.record("tunnel_started", map[string]interface{}{"provider": p, "url": result.URL})
	} else {
		o.record("tunnel_failed", map[string]interface{}{"provider": p, "reason": result.Reason})
	}
	o.store(p, result)
	return result
}

// Results returns a copy of the current results
func (o *Orchestrator) Results() map[Provider]TunnelResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	results := make(map[Provider]TunnelResult, len(o.results))
	for p, r := range o.results {
		results[p] = r
	}
	return results
}

// Result returns the current result for p
func (o *Orchestrator) Result(p Provider) (TunnelResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, ok := o.results[p]
	return r, ok
}

// Summary counts active tunnels
func (o *Orchestrator) Summary() Summary {
	return Summarize(o.Results())
}

// StatusChanges returns the channel of tunnel status changes
func (o *Orchestrator) StatusChanges() <-chan TunnelStatusChange {
	return o.statusChanges
}

// Restart stops and starts p regardless of its current status. After Stop it only reports
// a cancelled result.
func (o *Orchestrator) Restart(ctx context.Context, p Provider) TunnelResult {
	ctx, done, ok := o.begin(ctx)
	if !ok {
		return o.cancelled(p)
	}
	defer done()

	if !o.acquire(p) {
		r, _ := o.Result(p)
		return r
	}
	defer o.release(p)

	if driver, ok := o.drivers[p]; ok {
		if err := driver.Stop(); err != nil {
			Warn("Failed to stop %s: %v", p.Title(), err)
		}
	}
	o.setStatus(p, StatusRecovering)
	return o.startOne(ctx, p)
}

// HealthCheck probes every active tunnel and recovers the unreachable ones. Failed tunnels
// are left alone.
func (o *Orchestrator) HealthCheck(ctx context.Context) {
	var wg sync.WaitGroup
	for p, r := range o.Results() {
		if r.Status != StatusActive {
			continue
		}
		wg.Add(1)
		go func(p Provider, r TunnelResult) {
			defer wg.Done()
			o.checkOne(ctx, p, r)
		}(p, r)
	}
	wg.Wait()
}

func (o *Orchestrator) checkOne(ctx context.Context, p Provider, prev TunnelResult) {
	healthy := o.probe.Reachable(ctx, prev.URL)
	o.metrics.HealthChecked(string(p), healthy)
	o.record("tunnel_health_check", map[string]interface{}{"provider": p, "url": prev.URL, "healthy": healthy})
	if healthy || ctx.Err() != nil {
		return
	}

	if !o.acquire(p) {
		return
	}
	defer o.release(p)

	Warn("%s tunnel unreachable, restarting...", p.Title())
	o.setStatus(p, StatusRecovering)

	driver := o.drivers[p]
	if err := driver.Stop(); err != nil {
		Warn("Failed to stop %s: %v", p.Title(), err)
	}

	if err := sleepContext(ctx, o.recoveryDelay); err != nil {
		o.store(p, Failed(p, ReasonCancelled, driver.LogPath()))
		return
	}

	creds, port := o.target()
	result := driver.Start(ctx, port, creds)
	o.metrics.TunnelRecovered(string(p), result.Active())

	if result.Active() {
		Info("%s tunnel recovered: %s", p.Title(), result.URL)
		o.record("tunnel_recovered", map[string]interface{}{"provider": p, "old_url": prev.URL, "new_url": result.URL})
	} else {
		if result.Reason == ReasonNone {
			result.Reason = ReasonUnreachable
		}
		Error("%s tunnel recovery failed: %s", p.Title(), result.Reason.Hint(p, result.LogPath))
		o.record("tunnel_recovery_failed", map[string]interface{}{"provider": p, "reason": result.Reason})
	}
	o.store(p, result)
}

// StartMonitoring runs HealthCheck every interval in the background until StopMonitoring is
// called or ctx is done. A second call while running is a no-op.
func (o *Orchestrator) StartMonitoring(ctx context.Context, interval time.Duration) {
	o.monitorMu.Lock()
	defer o.monitorMu.Unlock()

	if o.stopMonitor != nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.stopMonitor = cancel
	o.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.HealthCheck(ctx)
			}
		}
	}()
}

// StopMonitoring stops the health check loop and waits for an in-flight check to finish.
// Safe to call repeatedly.
func (o *Orchestrator) StopMonitoring() {
	o.monitorMu.Lock()
	cancel, done := o.stopMonitor, o.monitorDone
	o.stopMonitor, o.monitorDone = nil, nil
	o.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop ends health checks, cancels starts and restarts in flight and waits for them to
// terminate their clients. Nothing is started afterwards. Safe to call repeatedly.
func (o *Orchestrator) Stop() {
	o.StopMonitoring()

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.endLife()
	o.inflight.Wait()
}

// begin registers a start or restart; false once Stop was called. The returned context is
// also cancelled by Stop.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ctx, nil, false
	}
	o.inflight.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(o.life, cancel)
	return ctx, func() {
		unlink()
		cancel()
		o.inflight.Done()
	}, true
}

func (o *Orchestrator) cancelled(p Provider) TunnelResult {
	logPath := ""
	if driver, ok := o.drivers[p]; ok {
		logPath = driver.LogPath()
	}
	return Failed(p, ReasonCancelled, logPath)
}

func (o *Orchestrator) target() (Credentials, int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.creds, o.port
}

// acquire marks p as being restarted; false means another restart is in progress
func (o *Orchestrator) acquire(p Provider) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy[p] {
		return false
	}
	o.busy[p] = true
	return true
}

func (o *Orchestrator) release(p Provider) {
	o.mu.Lock()
	delete(o.busy, p)
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(p Provider, status TunnelStatus) {
	o.mu.Lock()
	r, ok := o.results[p]
	if !ok {
		r = TunnelResult{Provider: p}
	}
	old := r.Status
	r.Status = status
	o.results[p] = r
	o.mu.Unlock()

	if old != status {
		o.notifyStatusChange(TunnelStatusChange{Provider: p, OldStatus: old, NewStatus: status, URL: r.URL})
	}
}

func (o *Orchestrator) store(p Provider, result TunnelResult) {
	o.mu.Lock()
	old := o.results[p].Status
	o.results[p] = result
	active := 0
	for _, r := range o.results {
		if r.Active() {
			active++
		}
	}
	o.mu.Unlock()

	o.metrics.SetActiveTunnels(active)
	if o.observer != nil {
		o.observer(p, result)
	}
	o.notifyStatusChange(TunnelStatusChange{
		Provider:  p,
		OldStatus: old,
		NewStatus: result.Status,
		URL:       result.URL,
		Reason:    result.Reason,
	})
}

// notifyStatusChange sends a status change notification
func (o *Orchestrator) notifyStatusChange(change TunnelStatusChange) {
	select {
	case o.statusChanges <- change:
	default:
		// Channel full, skip notification
	}
}

func (o *Orchestrator) record(event string, details map[string]interface{}) {
	if o.events != nil {
		o.events.Record(event, details)
	}
}
