// Package metrics holds the Prometheus metrics of the download server and
// the HTTP middleware that records request metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ydl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ydl_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Pipeline metrics, updated from the service layer.
var (
	// SubmissionsTotal counts submissions by result (accepted, unresolved).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ydl_submissions_total",
			Help: "Download submissions by result",
		},
		[]string{"result"},
	)

	// PendingJobs is the number of jobs waiting in the queue.
	PendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ydl_queue_pending_jobs",
			Help: "Jobs waiting for the download worker",
		},
	)

	// JobsTotal counts processed jobs by result (completed, failed, dropped).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ydl_jobs_total",
			Help: "Jobs handled by the download worker by result",
		},
		[]string{"result"},
	)

	// JobDuration observes how long the worker spent on each job.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ydl_job_duration_seconds",
			Help:    "Time spent downloading one job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// AuthFailuresTotal counts rejected tenant tokens.
	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ydl_auth_failures_total",
			Help: "Rejected authorization attempts",
		},
	)
)

// Middleware records request count and duration per chi route pattern, so
// user names and file names do not become label values.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack supports websocket upgrades behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
