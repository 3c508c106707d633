// Package metrics exposes pipeline counters on a dedicated Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsSettled     *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	extractionCalls *prometheus.CounterVec
	polls           *prometheus.CounterVec
	rateLimitWait   prometheus.Histogram
	blobsDeleted    prometheus.Counter
	sessionsExpired *prometheus.CounterVec
	renames         prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	jobsSettled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "dispatcher",
			Name:      "jobs_settled_total",
			Help:      "Jobs that reached a terminal state, by state.",
		},
		[]string{"state"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "dispatcher",
			Name:      "job_duration_seconds",
			Help:      "Time from dispatch to settlement, by terminal state.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"state"},
	)
	jobsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "dispatcher",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently admitted by the dispatcher.",
		},
	)
	extractionCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "extraction",
			Name:      "calls_total",
			Help:      "Calls into the extraction service by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	polls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "tracker",
			Name:      "polls_total",
			Help:      "Operation polls by observed status.",
		},
		[]string{"status"},
	)
	rateLimitWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time callers spent waiting for an admission token.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	blobsDeleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "lifecycle",
			Name:      "blobs_deleted_total",
			Help:      "Stored artifacts deleted by session expiry.",
		},
	)
	sessionsExpired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "lifecycle",
			Name:      "sessions_expired_total",
			Help:      "Sessions retired, by trigger.",
		},
		[]string{"trigger"},
	)
	renames := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "postprocess",
			Name:      "renames_total",
			Help:      "Renamed artifacts written.",
		},
	)

	registry.MustRegister(jobsSettled, jobDuration, jobsInFlight, extractionCalls, polls,
		rateLimitWait, blobsDeleted, sessionsExpired, renames)

	return &Metrics{
		registry:        registry,
		jobsSettled:     jobsSettled,
		jobDuration:     jobDuration,
		jobsInFlight:    jobsInFlight,
		extractionCalls: extractionCalls,
		polls:           polls,
		rateLimitWait:   rateLimitWait,
		blobsDeleted:    blobsDeleted,
		sessionsExpired: sessionsExpired,
		renames:         renames,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StartJob() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

func (m *Metrics) FinishJob(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobsSettled.WithLabelValues(state).Inc()
	m.jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func (m *Metrics) ObserveExtractionCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.extractionCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObservePoll(status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRateLimitWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(wait.Seconds())
}

func (m *Metrics) ObserveCleanup(trigger string, sessions, blobs int) {
	if m == nil {
		return
	}
	m.sessionsExpired.WithLabelValues(trigger).Add(float64(sessions))
	m.blobsDeleted.Add(float64(blobs))
}

func (m *Metrics) ObserveRename() {
	if m == nil {
		return
	}
	m.renames.Inc()
}
