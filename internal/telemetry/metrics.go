package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ProxyRequestDuration tracks upstream MCP proxy latency by outcome.
var ProxyRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "plexmcp",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Upstream MCP proxy request duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"outcome"},
)

// ProxyRequestsTotal counts proxied requests by terminal outcome.
var ProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plexmcp",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total proxied MCP requests by outcome.",
	},
	[]string{"outcome"},
)

// QuotaRejectionsTotal counts admission rejections from the rate limiter
// and monthly quota.
var QuotaRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plexmcp",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Total admission rejections by reason.",
	},
	[]string{"reason"},
)

// HealthStateTransitionsTotal counts descriptor health state changes.
var HealthStateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plexmcp",
		Subsystem: "health",
		Name:      "state_transitions_total",
		Help:      "Total MCP descriptor health state transitions.",
	},
	[]string{"from", "to"},
)

// HealthProbeDuration tracks health probe round-trip latency.
var HealthProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "plexmcp",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "MCP health probe round-trip duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"result"},
)

// AuditQueueOverflowTotal counts synchronous-fallback writes triggered
// when the async audit buffer is full. Overflow never drops an entry.
var AuditQueueOverflowTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "plexmcp",
		Subsystem: "audit",
		Name:      "queue_overflow_total",
		Help:      "Total audit entries written synchronously due to buffer overflow.",
	},
)

// LoginFailuresTotal counts failed authentication attempts by method.
var LoginFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plexmcp",
		Subsystem: "auth",
		Name:      "login_failures_total",
		Help:      "Total failed authentication attempts by method.",
	},
	[]string{"method"},
)

// All returns the PlexMCP-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProxyRequestDuration,
		ProxyRequestsTotal,
		QuotaRejectionsTotal,
		HealthStateTransitionsTotal,
		HealthProbeDuration,
		AuditQueueOverflowTotal,
		LoginFailuresTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus any additional service-specific collectors. The HTTP
// handler metrics live in httpserver and are registered by NewServer.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
