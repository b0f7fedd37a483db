package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's collectors on a private registry, so several
// agents can live in one test binary.
type Metrics struct {
	Registry *prometheus.Registry

	SamplesCaptured prometheus.Counter
	SampleErrors    *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	RetryDepth      prometheus.Gauge
	RetriesDropped  prometheus.Counter
	RosterPolls     *prometheus.CounterVec
	RosterSize      prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.SamplesCaptured = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsagent_samples_captured_total",
			Help: "Number of position fixes captured",
		},
	)
	m.SampleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsagent_sample_errors_total",
			Help: "Number of failed fix requests by error code",
		},
		[]string{"code"},
	)
	m.Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsagent_uploads_total",
			Help: "Number of upload attempts by origin and result",
		},
		[]string{"origin", "result"},
	)
	m.RetryDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsagent_retry_queue_depth",
			Help: "Samples waiting in the retry queue",
		},
	)
	m.RetriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsagent_retry_dropped_total",
			Help: "Samples evicted from a full retry queue",
		},
	)
	m.RosterPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsagent_roster_polls_total",
			Help: "Number of roster polls by result",
		},
		[]string{"result"},
	)
	m.RosterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsagent_roster_size",
			Help: "Entries in the displayed roster",
		},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsagent_http_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsagent_http_request_duration_seconds",
			Help:    "Control API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SamplesCaptured,
		m.SampleErrors,
		m.Uploads,
		m.RetryDepth,
		m.RetriesDropped,
		m.RosterPolls,
		m.RosterSize,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RequestTrackingMiddleware records control API traffic labelled by chi route
// pattern rather than raw path.
func (m *Metrics) RequestTrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
