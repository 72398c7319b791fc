// Package metrics provides Prometheus instrumentation for the HTTP layer,
// the inference client and patient registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by the service. All methods are safe
// to call on a nil receiver so components can run uninstrumented in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	inferenceRequestsTotal *prometheus.CounterVec
	inferenceDuration      prometheus.Histogram
	detectionsTotal        *prometheus.CounterVec

	patientCodeConflicts prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	m.inferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Calls made to the external detection model",
		},
		[]string{"outcome"}, // success, error
	)
	m.inferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Latency of the external detection model",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	m.detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Detected sediment elements by class",
		},
		[]string{"class"},
	)
	m.patientCodeConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patient_code_conflicts_total",
			Help: "Patient code allocations retried after a uniqueness conflict",
		},
	)

	collectors := []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.inferenceRequestsTotal,
		m.inferenceDuration,
		m.detectionsTotal,
		m.patientCodeConflicts,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveInference records one call to the detection model.
func (m *Metrics) ObserveInference(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.inferenceRequestsTotal.WithLabelValues(outcome).Inc()
	m.inferenceDuration.Observe(d.Seconds())
}

// AddDetections adds per-class detection counts.
func (m *Metrics) AddDetections(counts map[string]int) {
	if m == nil {
		return
	}
	for class, n := range counts {
		if n > 0 {
			m.detectionsTotal.WithLabelValues(class).Add(float64(n))
		}
	}
}

// PatientCodeConflict counts a retried code allocation.
func (m *Metrics) PatientCodeConflict() {
	if m == nil {
		return
	}
	m.patientCodeConflicts.Inc()
}
