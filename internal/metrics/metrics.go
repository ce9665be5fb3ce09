package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Thresholds on the number of exceeding entities per storage.
const (
	UsersWarning     = 20
	UsersCritical    = 40
	FilesetsWarning  = 1
	FilesetsCritical = 1
)

// Severity levels exported by the storage_severity gauge.
const (
	SeverityOK       = 0
	SeverityWarning  = 1
	SeverityCritical = 2
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RunDuration tracks how long one storage took to process
	RunDuration *prometheus.HistogramVec
	// RunsTotal counts processed storages by outcome
	RunsTotal *prometheus.CounterVec
	// LastRunTimestamp is the unix time a storage was last processed
	LastRunTimestamp *prometheus.GaugeVec
	// Exceeding is the number of exceeding entities per storage and kind
	Exceeding *prometheus.GaugeVec
	// Threshold exports the warning and critical levels next to Exceeding
	Threshold *prometheus.GaugeVec
	// Severity is the worst level reached per storage
	Severity *prometheus.GaugeVec
	// PushedRecords counts usage records handed to the usage API
	PushedRecords *prometheus.CounterVec
	// Notifications counts notifications by target and result
	Notifications *prometheus.CounterVec
	// InodeCritical is the number of inode-critical filesets per filesystem
	InodeCritical *prometheus.GaugeVec
	// ArchivesPruned counts snapshot files removed by retention
	ArchivesPruned *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Time spent processing one storage",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"storage"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of processed storages",
			},
			[]string{"storage", "status"},
		),
		LastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last run per storage",
			},
			[]string{"storage", "status"},
		),
		Exceeding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "exceeding_entities",
				Help:      "Number of entities over quota",
			},
			[]string{"storage", "kind"},
		),
		Threshold: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "exceeding_entities_threshold",
				Help:      "Alerting thresholds on the number of exceeding entities",
			},
			[]string{"storage", "kind", "level"},
		),
		Severity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_severity",
				Help:      "Worst level reached per storage (0=ok, 1=warning, 2=critical)",
			},
			[]string{"storage"},
		),
		PushedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushed_records_total",
				Help:      "Total number of usage records sent to the usage API",
			},
			[]string{"storage", "kind"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of quota notifications",
			},
			[]string{"storage", "target", "result"},
		),
		InodeCritical: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inode_critical_filesets",
				Help:      "Number of filesets close to their inode limit",
			},
			[]string{"filesystem"},
		),
		ArchivesPruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_pruned_total",
				Help:      "Number of snapshot files removed by retention",
			},
			[]string{"kind"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.RunDuration,
		m.RunsTotal,
		m.LastRunTimestamp,
		m.Exceeding,
		m.Threshold,
		m.Severity,
		m.PushedRecords,
		m.Notifications,
		m.InodeCritical,
		m.ArchivesPruned,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes all metrics to path in the text exposition format,
// for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordRun records the outcome of one storage.
func (m *Metrics) RecordRun(storage, status string, durationSeconds float64, finishedUnix int64) {
	m.RunDuration.WithLabelValues(storage).Observe(durationSeconds)
	m.RunsTotal.WithLabelValues(storage, status).Inc()
	m.LastRunTimestamp.WithLabelValues(storage, status).Set(float64(finishedUnix))
}

// RecordStorageStats exports the exceeding counts of a storage with their
// thresholds and returns the resulting severity.
func (m *Metrics) RecordStorageStats(storage string, users, filesets int) int {
	m.Exceeding.WithLabelValues(storage, "users").Set(float64(users))
	m.Exceeding.WithLabelValues(storage, "filesets").Set(float64(filesets))

	m.Threshold.WithLabelValues(storage, "users", "warning").Set(UsersWarning)
	m.Threshold.WithLabelValues(storage, "users", "critical").Set(UsersCritical)
	m.Threshold.WithLabelValues(storage, "filesets", "warning").Set(FilesetsWarning)
	m.Threshold.WithLabelValues(storage, "filesets", "critical").Set(FilesetsCritical)

	severity := StorageSeverity(users, filesets)
	m.Severity.WithLabelValues(storage).Set(float64(severity))
	return severity
}

// StorageSeverity maps exceeding counts onto a severity level.
func StorageSeverity(users, filesets int) int {
	switch {
	case users >= UsersCritical || filesets >= FilesetsCritical:
		return SeverityCritical
	case users >= UsersWarning || filesets >= FilesetsWarning:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// RecordPushed adds n records pushed for storage and kind.
func (m *Metrics) RecordPushed(storage, kind string, n int) {
	m.PushedRecords.WithLabelValues(storage, kind).Add(float64(n))
}

// RecordNotifications adds n notifications with result for storage and target.
func (m *Metrics) RecordNotifications(storage, target, result string, n int) {
	m.Notifications.WithLabelValues(storage, target, result).Add(float64(n))
}

// SetInodeCritical sets the number of inode-critical filesets of a filesystem.
func (m *Metrics) SetInodeCritical(filesystem string, count int) {
	m.InodeCritical.WithLabelValues(filesystem).Set(float64(count))
}

// RecordArchivesPruned counts snapshot files removed by retention.
func (m *Metrics) RecordArchivesPruned(kind string, n int) {
	m.ArchivesPruned.WithLabelValues(kind).Add(float64(n))
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
