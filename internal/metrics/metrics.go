// Package metrics defines the router's Prometheus instrumentation plus the
// label-sanitizing helpers the teacher's own internal/metrics carries, kept
// here unchanged; httpapi's structured error log uses them to keep its
// method/code fields low-cardinality.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrouter"

// Metrics holds every collector the dispatcher, registry and discovery
// packages report against. A single instance is constructed at startup and
// threaded through via the application context, rather than relying on
// package-level globals, so tests can construct isolated registries.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	WorkerLoad         *prometheus.GaugeVec
	CircuitState       *prometheus.GaugeVec
	WorkersRegistered  *prometheus.GaugeVec
	DiscoveryInstances *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge
	RateLimitRejected  prometheus.Counter
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the package
// default registry across test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	sub := "dispatch"

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "requests_total",
			Help:      "Count of dispatched requests by route, outcome and worker.",
		}, []string{"route", "outcome", "worker"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "request_duration_seconds",
			Help:      "Latency of dispatched requests from admission to response completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "retries_total",
			Help:      "Count of dispatch retries after a worker failure.",
		}, []string{"route"}),

		WorkerLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "inflight_requests",
			Help:      "In-flight request count per worker, as tracked by the dispatchers (regular mode tracks it only under the cache-aware policy).",
		}, []string{"worker"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per worker: 0=closed, 1=open, 2=half_open.",
		}, []string{"worker"}),

		WorkersRegistered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "workers",
			Help:      "Registered worker count by model and type.",
		}, []string{"model", "type"}),

		DiscoveryInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "instances",
			Help:      "Live service-discovery instance count by role.",
		}, []string{"role"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "queue_depth",
			Help:      "Requests currently waiting for an admission token.",
		}),

		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the admission limiter (queue full or queue timeout).",
		}),
	}
}

// StateValue maps a circuit breaker state name to the gauge encoding used
// by CircuitState.
func StateValue(stateName string) float64 {
	switch stateName {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}
