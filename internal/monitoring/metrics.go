// Package monitoring wires the throttle's wait-duration Observer hook and
// the statistics sink into Prometheus, and serves /metrics over HTTP.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/stats"
)

// Config configures the metrics namespace and HTTP exposition path.
type Config struct {
	Namespace   string
	Subsystem   string
	MetricsPath string
}

// Metrics bundles every Prometheus collector throttlegate exports:
// per-priority slow-path wait durations, current per-priority epoch
// budgets and pending debt (gauges, for dashboards), and per-(type, op)
// admitted byte counters mirrored from the statistics sink.
type Metrics struct {
	path string

	requestWaitSeconds *prometheus.HistogramVec
	epochBudgetBytes   *prometheus.GaugeVec
	pendingDebtBytes   *prometheus.GaugeVec
	admittedBytesTotal *prometheus.CounterVec

	lastSeen map[string]uint64 // (type,op) key -> last counter value mirrored
}

// New constructs and registers the collectors against the default
// Prometheus registry via promauto.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "throttlegate"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "io"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	return &Metrics{
		path: cfg.MetricsPath,
		requestWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_wait_seconds",
				Help:      "Slow-path admission wait, observed once per request that exceeds its epoch budget.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		epochBudgetBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "epoch_budget_bytes",
				Help:      "Current bytes_per_epoch budget for a priority tier.",
			},
			[]string{"priority"},
		),
		pendingDebtBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "pending_debt_bytes",
				Help:      "Current pending_bytes debt carried forward for a priority tier.",
			},
			[]string{"priority"},
		),
		admittedBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "admitted_bytes_total",
				Help:      "Bytes admitted by the statistics sink, by io_type and op.",
			},
			[]string{"io_type", "op"},
		),
		lastSeen: make(map[string]uint64),
	}
}

// Observer returns a throttle.Observer that feeds the wait-duration
// histogram. It is injected into throttle.New so the throttle package
// itself never imports Prometheus.
func (m *Metrics) Observer() func(p priority.Priority, wait time.Duration) {
	return func(p priority.Priority, wait time.Duration) {
		m.requestWaitSeconds.WithLabelValues(p.String()).Observe(wait.Seconds())
	}
}

// ObserveBudget records the current epoch budget for a priority tier.
func (m *Metrics) ObserveBudget(p priority.Priority, bytes uint64) {
	m.epochBudgetBytes.WithLabelValues(p.String()).Set(float64(bytes))
}

// ObservePendingDebt records the current pending debt for a priority tier.
func (m *Metrics) ObservePendingDebt(p priority.Priority, bytes uint64) {
	m.pendingDebtBytes.WithLabelValues(p.String()).Set(float64(bytes))
}

// SyncStatistics mirrors every counter in sink into admittedBytesTotal.
// Prometheus counters cannot be set directly, so this adds the delta
// since the last sync for each (type, op) pair; call it on the same
// cadence as the statistics persistence snapshot loop.
func (m *Metrics) SyncStatistics(sink *stats.Sink) {
	if sink == nil {
		return
	}
	for _, snap := range sink.FetchAll() {
		key := snap.Type.String() + "|" + snap.Op.String()
		if snap.Bytes < m.lastSeen[key] {
			// The sink was reset since the last sync; restart from zero
			// rather than underflow the delta.
			m.lastSeen[key] = 0
		}
		delta := snap.Bytes - m.lastSeen[key]
		if delta == 0 {
			continue
		}
		m.lastSeen[key] = snap.Bytes
		m.admittedBytesTotal.WithLabelValues(snap.Type.String(), snap.Op.String()).Add(float64(delta))
	}
}

// Handler returns the promhttp handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler { return promhttp.Handler() }

// Path returns the configured metrics exposition path.
func (m *Metrics) Path() string { return m.path }
