package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// requestDuration tracks HTTP handler latency by route pattern and status class.
var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "plexmcp",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method", "status"},
)

// requestsInFlight tracks the number of HTTP requests currently being handled.
var requestsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "plexmcp",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently in flight.",
	},
)

// MetricsCollectors returns the collectors this package registers, for
// inclusion in the shared Prometheus registry.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{requestDuration, requestsInFlight}
}

// RequestID keeps an incoming X-Request-ID header or else assigns a UUID
// (overriding chi's default sequential counter), and echoes the id back on
// the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger returns middleware that logs each request at Info level with
// method, path, status, duration, and request id.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Metrics records request duration and in-flight count for Prometheus.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsInFlight.Inc()
		defer requestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chiRouteContext(r); rc != "" {
			route = rc
		}

		requestDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// chiRouteContext returns the matched chi route pattern, so metrics group
// by "/v1/mcps/{mcpID}" instead of one series per concrete id.
func chiRouteContext(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
