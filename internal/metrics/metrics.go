// Package metrics implements the Prometheus-compatible registry the
// broker exposes at /metrics when its metrics port is enabled (spec
// §6 Observability): an optional side channel, never required for
// correctness, built the way the teacher's metrics.go builds its own
// connection-pool metrics — a private prometheus.Registry, one
// GaugeVec/CounterVec/HistogramVec per concern, MustRegister at
// construction.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric this system emits. tenant is a label
// value chosen by the caller; the pool shapes and the broker in this
// module all pass "", so no series is split by client_id.
type Collector struct {
	Registry *prometheus.Registry

	workersSpawnedTotal *prometheus.CounterVec
	workersLive         *prometheus.GaugeVec

	clientConnectionsCurrent *prometheus.GaugeVec
	clientConnectionsTotal   *prometheus.CounterVec

	compileDuration   *prometheus.HistogramVec
	handshakeDuration *prometheus.HistogramVec

	txSerializationErrors *prometheus.CounterVec
	connectionErrors      *prometheus.CounterVec
}

// New creates and registers every metric on a fresh, independent
// registry — safe to call more than once (tests, or one broker
// process with no shared global state).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		workersSpawnedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compilerpool_workers_spawned_total",
				Help: "Total number of compiler worker processes ever spawned",
			},
			[]string{"tenant"},
		),
		workersLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compilerpool_workers_live",
				Help: "Number of compiler worker processes currently registered",
			},
			[]string{"tenant"},
		),
		clientConnectionsCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compilerpool_client_connections_current",
				Help: "Number of client connections currently open (multi-tenant broker)",
			},
			[]string{"tenant"},
		),
		clientConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compilerpool_client_connections_total",
				Help: "Total number of client connections ever accepted (multi-tenant broker)",
			},
			[]string{"tenant"},
		),
		// Exponential buckets hand-picked per histogram, mirroring
		// the original compiler pool's own per-metric bucket choices
		// rather than one shared default set.
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compilerpool_compile_duration_seconds",
				Help:    "Duration of a compile* call from acquire to release",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
			},
			[]string{"tenant", "op"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compilerpool_handshake_duration_seconds",
				Help:    "Duration of a worker's connect-to-ready handshake (pid + __init_server__)",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"tenant"},
		),
		txSerializationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compilerpool_tx_serialization_errors_total",
				Help: "Count of transaction-state serialization failures (StatusSerializationFailed on compile_in_tx)",
			},
			[]string{"tenant"},
		),
		connectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compilerpool_connection_errors_total",
				Help: "Count of IPC connection errors, labeled by cause",
			},
			[]string{"tenant", "reason"},
		),
	}

	reg.MustRegister(
		c.workersSpawnedTotal,
		c.workersLive,
		c.clientConnectionsCurrent,
		c.clientConnectionsTotal,
		c.compileDuration,
		c.handshakeDuration,
		c.txSerializationErrors,
		c.connectionErrors,
	)

	return c
}

// WorkerSpawned increments the lifetime worker-spawn counter.
func (c *Collector) WorkerSpawned(tenant string) {
	c.workersSpawnedTotal.WithLabelValues(tenant).Inc()
}

// WorkerLive sets the current live-worker gauge.
func (c *Collector) WorkerLive(tenant string, n int) {
	c.workersLive.WithLabelValues(tenant).Set(float64(n))
}

// ClientConnected records a new client connection (multi-tenant
// broker): bumps both the current gauge and the lifetime counter.
func (c *Collector) ClientConnected(tenant string) {
	c.clientConnectionsCurrent.WithLabelValues(tenant).Inc()
	c.clientConnectionsTotal.WithLabelValues(tenant).Inc()
}

// ClientDisconnected decrements the current client-connection gauge.
func (c *Collector) ClientDisconnected(tenant string) {
	c.clientConnectionsCurrent.WithLabelValues(tenant).Dec()
}

// CompileDuration observes one compile* call's acquire-to-release
// duration, labeled by operation name.
func (c *Collector) CompileDuration(tenant, op string, d time.Duration) {
	c.compileDuration.WithLabelValues(tenant, op).Observe(d.Seconds())
}

// HandshakeDuration observes one worker's connect-to-ready latency.
func (c *Collector) HandshakeDuration(tenant string, d time.Duration) {
	c.handshakeDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

// TxSerializationError increments the transaction-serialization-error
// counter.
func (c *Collector) TxSerializationError(tenant string) {
	c.txSerializationErrors.WithLabelValues(tenant).Inc()
}

// ConnectionError increments the connection-error counter with the
// given reason (e.g. "sigterm", "sigkill", "eof", "dial failed").
func (c *Collector) ConnectionError(tenant, reason string) {
	c.connectionErrors.WithLabelValues(tenant, reason).Inc()
}
