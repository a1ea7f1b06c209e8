// Package metrics exposes Prometheus collectors for the local server and its tunnels.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics represents the collection of all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TunnelStarts      *prometheus.CounterVec
	TunnelRecoveries  *prometheus.CounterVec
	HealthChecks      *prometheus.CounterVec
	DiscoveryDuration *prometheus.HistogramVec
	TunnelUp          *prometheus.GaugeVec
	ActiveTunnels     prometheus.Gauge
	ServerUp          prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TunnelStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2i_tunnel_starts_total",
			Help: "Tunnel start attempts by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	m.TunnelRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2i_tunnel_recoveries_total",
			Help: "Automatic tunnel restarts by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	m.HealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2i_health_checks_total",
			Help: "Public URL probes by provider and result",
		},
		[]string{"provider", "result"},
	)

	m.DiscoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "l2i_tunnel_discovery_seconds",
			Help:    "Time from client spawn to a known public URL",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"provider"},
	)

	m.TunnelUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "l2i_tunnel_up",
			Help: "Current status of tunnels (1=active, 0=not active)",
		},
		[]string{"provider"},
	)

	m.ActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l2i_active_tunnels",
			Help: "Number of tunnels with a public URL",
		},
	)

	m.ServerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l2i_server_up",
			Help: "Whether the local HTTP server answered verification",
		},
	)

	m.registry.MustRegister(
		m.TunnelStarts,
		m.TunnelRecoveries,
		m.HealthChecks,
		m.DiscoveryDuration,
		m.TunnelUp,
		m.ActiveTunnels,
		m.ServerUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func status(ok bool) string {
	if ok {
		return "active"
	}
	return "failed"
}

// TunnelStarted records one start attempt and, when it succeeded, how long discovery took
func (m *Metrics) TunnelStarted(provider string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.TunnelStarts.WithLabelValues(provider, status(ok)).Inc()
	if ok {
		m.DiscoveryDuration.WithLabelValues(provider).Observe(took.Seconds())
	}
	m.setUp(provider, ok)
}

// TunnelRecovered records the outcome of an automatic restart
func (m *Metrics) TunnelRecovered(provider string, ok bool) {
	if m == nil {
		return
	}
	m.TunnelRecoveries.WithLabelValues(provider, status(ok)).Inc()
	m.setUp(provider, ok)
}

// HealthChecked records one probe of a public URL
func (m *Metrics) HealthChecked(provider string, healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.HealthChecks.WithLabelValues(provider, result).Inc()
}

// SetActiveTunnels sets the active tunnel gauge
func (m *Metrics) SetActiveTunnels(n int) {
	if m == nil {
		return
	}
	m.ActiveTunnels.Set(float64(n))
}

// SetServerUp records whether the local server is serving
func (m *Metrics) SetServerUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.ServerUp.Set(1)
	} else {
		m.ServerUp.Set(0)
	}
}

func (m *Metrics) setUp(provider string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.TunnelUp.WithLabelValues(provider).Set(v)
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
