package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the import service.
type Metrics struct {
	registry *prometheus.Registry

	admissionTotal *prometheus.CounterVec
	expiryCleanups prometheus.Counter
	usersImported  prometheus.Counter

	jobsRunning prometheus.Gauge
	jobDuration *prometheus.HistogramVec
}

// Job duration buckets in seconds.
var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	once.Do(func() {
		global = New("vega")
	})
	return global
}

// New creates a metrics set on its own registry.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.admissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_total",
		Help:      "Admission decisions by tier and outcome",
	}, []string{"tier", "outcome"})

	m.expiryCleanups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expiry_cleanups_total",
		Help:      "Orphaned reservations removed by the expiry listener or sweeper",
	})

	m.usersImported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_imported_total",
		Help:      "User records persisted by import jobs",
	})

	m.jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Import jobs currently executing on this replica",
	})

	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Import job duration from start to terminal status",
		Buckets:   durationBuckets,
	}, []string{"tier", "status"})

	m.registry.MustRegister(
		m.admissionTotal,
		m.expiryCleanups,
		m.usersImported,
		m.jobsRunning,
		m.jobDuration,
	)
	return m
}

// Admission records one admission decision.
func (m *Metrics) Admission(tier, outcome string) {
	m.admissionTotal.WithLabelValues(tier, outcome).Inc()
}

// ExpiryCleanup records one orphan removal.
func (m *Metrics) ExpiryCleanup() {
	m.expiryCleanups.Inc()
}

// UsersImported records persisted user rows.
func (m *Metrics) UsersImported(n int) {
	m.usersImported.Add(float64(n))
}

// JobStarted increments the running-jobs gauge.
func (m *Metrics) JobStarted() {
	m.jobsRunning.Inc()
}

// JobFinished decrements the gauge and records the job's duration.
func (m *Metrics) JobFinished(tier, status string, took time.Duration) {
	m.jobsRunning.Dec()
	m.jobDuration.WithLabelValues(tier, status).Observe(took.Seconds())
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
