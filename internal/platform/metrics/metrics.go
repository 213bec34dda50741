package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Merge results recorded by ObserveMerge.
const (
	MergeMerged      = "merged"
	MergePassthrough = "passthrough"
	MergeFailed      = "failed"
)

// Metrics holds Prometheus counters and gauges for the capture engine.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	segmentsRecorded prometheus.Counter
	photosTaken      prometheus.Counter
	mergesTotal      *prometheus.CounterVec
	mergeSeconds     prometheus.Histogram
	filterFallbacks  *prometheus.CounterVec
	framesRendered   prometheus.Counter
	activeSessions   prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kanvas_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kanvas_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kanvas_segments_recorded_total",
			Help: "Total number of video segments finalized by the recorder",
		}),
		photosTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kanvas_photos_taken_total",
			Help: "Total number of photo segments captured",
		}),
		mergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kanvas_merges_total",
			Help: "Asset merges by result (merged, passthrough, failed)",
		}, []string{"result"}),
		mergeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kanvas_merge_duration_seconds",
			Help:    "Wall time spent composing merged assets",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		filterFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kanvas_filter_fallbacks_total",
			Help: "Frames presented unfiltered, by reason",
		}, []string{"reason"}),
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kanvas_frames_rendered_total",
			Help: "Frames handed to a presentation surface",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kanvas_active_sessions",
			Help: "Number of open capture sessions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsRecorded,
		m.photosTaken,
		m.mergesTotal,
		m.mergeSeconds,
		m.filterFallbacks,
		m.framesRendered,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSegmentsRecorded increments the recorded segments counter.
func (m *Metrics) IncSegmentsRecorded() {
	m.segmentsRecorded.Inc()
}

// IncPhotosTaken increments the photo counter.
func (m *Metrics) IncPhotosTaken() {
	m.photosTaken.Inc()
}

// ObserveMerge records one merge outcome and how long it took.
func (m *Metrics) ObserveMerge(result string, seconds float64) {
	m.mergesTotal.WithLabelValues(result).Inc()
	if result == MergeMerged {
		m.mergeSeconds.Observe(seconds)
	}
}

// IncFilterFallback counts a frame that was presented without filtering.
func (m *Metrics) IncFilterFallback(reason string) {
	m.filterFallbacks.WithLabelValues(reason).Inc()
}

// IncFramesRendered increments the rendered frame counter.
func (m *Metrics) IncFramesRendered() {
	m.framesRendered.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
