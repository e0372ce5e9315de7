// Package metrics exposes Prometheus instrumentation for the custody node.
// Labels never carry secret material; slots and epochs are reported as counts only.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeExpired = "expired"
	OutcomeTimeout = "timeout"
)

// Metrics holds the node's collectors on a private registry.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	signingSessions     *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	recoveries          *prometheus.CounterVec
	backupDeliveries    *prometheus.CounterVec
	invariantViolations prometheus.Counter
	reconstructWindow   *prometheus.HistogramVec
	heldSecrets         prometheus.Gauge
	epoch               prometheus.Gauge
	pendingDeliveries   prometheus.Gauge
}

// NewMetrics creates and registers the node collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		signingSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_sessions_total",
			Help:      "Signing sessions by outcome",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Membership refreshes by outcome",
		}, []string{"outcome"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catastrophic_recoveries_total",
			Help:      "Recoveries from backup fragments by outcome",
		}, []string{"outcome"}),
		backupDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_deliveries_total",
			Help:      "Backup bundle deliveries by outcome",
		}, []string{"outcome"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_invariant_violations_total",
			Help:      "Secrets found held past the reconstruction ceiling",
		}),
		reconstructWindow: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_window_seconds",
			Help:      "Time secret material stayed reconstructed",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, .75, 1, 5},
		}, []string{"kind"}),
		heldSecrets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_secrets",
			Help:      "Slot secrets currently reconstructed by the refresh coordinator",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "share_epoch",
			Help:      "Current share epoch of the node",
		}),
		pendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_backup_deliveries",
			Help:      "Encrypted backup bundles held locally awaiting redelivery",
		}),
	}

	reg.MustRegister(
		m.signingSessions,
		m.refreshes,
		m.recoveries,
		m.backupDeliveries,
		m.invariantViolations,
		m.reconstructWindow,
		m.heldSecrets,
		m.epoch,
		m.pendingDeliveries,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SigningSession(outcome string) {
	if m == nil {
		return
	}
	m.signingSessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Recovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BackupDelivery(outcome string) {
	if m == nil {
		return
	}
	m.backupDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

// ObserveWindow records how long secret material of the given kind was live.
func (m *Metrics) ObserveWindow(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconstructWindow.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetHeldSecrets(n int) {
	if m == nil {
		return
	}
	m.heldSecrets.Set(float64(n))
}

func (m *Metrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
}

func (m *Metrics) SetPendingDeliveries(n int) {
	if m == nil {
		return
	}
	m.pendingDeliveries.Set(float64(n))
}

// MetricsServer serves the node metrics on a dedicated listener.
type MetricsServer struct {
	*http.Server
	Metrics *Metrics
}

// New creates the metrics collectors for namespace and a server exposing them on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, errors.New("metrics namespace must not be empty")
	}
	m := NewMetrics(namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &MetricsServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Metrics: m,
	}, nil
}
