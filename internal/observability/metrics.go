package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "senamhi"

// Metrics holds the Prometheus counters, histograms, and gauges for the tracker.
type Metrics struct {
	// Job scheduling metrics.
	JobRuns     *prometheus.CounterVec   // labels: kind, status={success,failed,skipped}
	JobAttempts *prometheus.CounterVec   // labels: kind, outcome={success,error}
	JobDuration *prometheus.HistogramVec // labels: kind
	JobRunning  *prometheus.GaugeVec     // labels: kind

	// Upstream fetch metrics.
	FetchRequests *prometheus.CounterVec   // labels: source={forecast,warning,shapefile,geocode}, outcome={success,error,not_found}
	FetchDuration *prometheus.HistogramVec // labels: source

	// Geometry synchronization metrics.
	ArchiveCache *prometheus.CounterVec // labels: result={hit,miss}
	GeometryDays *prometheus.CounterVec // labels: outcome={downloaded,cached,failed}

	WarningsActive prometheus.Gauge
}

// NewMetrics creates and registers all tracker metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.JobRuns,
		m.JobAttempts,
		m.JobDuration,
		m.JobRunning,
		m.FetchRequests,
		m.FetchDuration,
		m.ArchiveCache,
		m.GeometryDays,
		m.WarningsActive,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Completed job runs by kind and final status.",
		}, []string{"kind", "status"}),
		JobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Job attempts by kind and outcome, including retries.",
		}, []string{"kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a complete job run including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		JobRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a job kind is running, 0 otherwise.",
		}, []string{"kind"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Upstream requests by source and outcome.",
		}, []string{"source", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Upstream request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		ArchiveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_cache_total",
			Help:      "Shapefile archive cache lookups by result.",
		}, []string{"result"}),
		GeometryDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geometry_days_total",
			Help:      "Warning geometry days processed by outcome.",
		}, []string{"outcome"}),
		WarningsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warnings_active",
			Help:      "Warnings currently EMITIDO or VIGENTE.",
		}),
	}
}
