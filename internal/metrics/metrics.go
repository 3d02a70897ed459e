// Package metrics exposes per-stream ingest counters and API request
// metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mjpegtap"

// Metrics holds the collectors registered for the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	Frames       *prometheus.CounterVec
	FrameBytes   *prometheus.HistogramVec
	Chunks       *prometheus.CounterVec
	IngestBytes  *prometheus.CounterVec
	HeaderMisses *prometheus.CounterVec
	HeaderResets *prometheus.CounterVec
	Oversized    *prometheus.CounterVec
	Connects     *prometheus.CounterVec
	OpenStreams  prometheus.Gauge
	Viewers      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry,
// which keeps tests and multiple instances isolated.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	stream := []string{"stream"}

	return &Metrics{
		gatherer: reg,
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames reconstructed from the stream",
		}, stream),
		FrameBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Size of reconstructed JPEG payloads",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 2, 10),
		}, stream),
		Chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Non-empty reads from the stream transport",
		}, stream),
		IngestBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Bytes read from the stream transport",
		}, stream),
		HeaderMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_misses_total",
			Help:      "Start-of-image markers seen without a usable Content-Length",
		}, stream),
		HeaderResets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_resets_total",
			Help:      "Header text discarded for exceeding the size bound",
		}, stream),
		Oversized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oversized_parts_total",
			Help:      "Parts skipped because their Content-Length exceeded the frame bound",
		}, stream),
		Connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts made by the stream session",
		}, stream),
		OpenStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Registered streams",
		}),
		Viewers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Clients attached to the MJPEG re-stream",
		}, stream),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RemoveStream drops every series labelled with key.
func (m *Metrics) RemoveStream(key string) {
	for _, v := range []*prometheus.CounterVec{
		m.Frames, m.Chunks, m.IngestBytes, m.HeaderMisses,
		m.HeaderResets, m.Oversized, m.Connects,
	} {
		v.DeleteLabelValues(key)
	}
	m.FrameBytes.DeleteLabelValues(key)
	m.Viewers.DeleteLabelValues(key)
}

// Middleware records request counts and latency keyed by the matched
// ServeMux pattern, so path parameters do not explode label cardinality.
// Long-lived responses such as the MJPEG re-stream are recorded when they
// end.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming handlers keep working
// behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
