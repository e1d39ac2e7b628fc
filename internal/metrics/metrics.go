package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voice_sentinel"

// HTTP metrics (incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Workflow counters (incremented directly by capture and workflow code).
var (
	SamplesCapturedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_captured_total",
		Help:      "Validated samples produced by capture, by source kind.",
	}, []string{"source"})

	SampleRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sample_rejections_total",
		Help:      "Samples rejected by validation or capture, by stage and kind.",
	}, []string{"stage", "kind"})

	WorkflowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_transitions_total",
		Help:      "Workflow state transitions.",
	}, []string{"from", "to"})

	ClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifications_total",
		Help:      "Completed classification requests by outcome.",
	}, []string{"outcome"})

	ClassificationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "classification_duration_seconds",
		Help:      "Classification request latency by outcome.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"outcome"})

	StaleVerdictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_verdicts_total",
		Help:      "Classification results discarded because their submission was superseded.",
	})
)

// Side-effect counters.
var (
	SSEEventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_events_published_total",
		Help:      "Total SSE events published.",
	})

	MQTTPublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_publishes_total",
		Help:      "Transition messages published to MQTT by outcome.",
	}, []string{"outcome"})

	ArchiveJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_jobs_total",
		Help:      "Archive jobs processed by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SamplesCapturedTotal,
		SampleRejectionsTotal,
		WorkflowTransitionsTotal,
		ClassificationsTotal,
		ClassificationDuration,
		StaleVerdictsTotal,
		SSEEventsPublishedTotal,
		MQTTPublishesTotal,
		ArchiveJobsTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported by %T", w.ResponseWriter)
	}
	return h.Hijack()
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers (http.Flusher for SSE, http.Hijacker for websockets).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
