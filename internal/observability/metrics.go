// Package observability holds the prometheus collectors shared by the router
// and module servers plus the gin middleware of the admin endpoint.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consoled",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "consoled",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	routerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consoled",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Requests answered by the router, by command token and final status.",
		},
		[]string{"command", "status"},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "consoled",
			Subsystem: "router",
			Name:      "protocol_errors_total",
			Help:      "Frames that failed to decode.",
		},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "consoled",
			Subsystem: "router",
			Name:      "sessions",
			Help:      "Connected client sessions.",
		},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consoled",
			Subsystem: "router",
			Name:      "auth_failures_total",
			Help:      "Rejected AUTH attempts, by reason.",
		},
		[]string{"reason"},
	)
	moduleProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "consoled",
			Subsystem: "router",
			Name:      "module_processes",
			Help:      "Running module processes.",
		},
		[]string{"module"},
	)
	moduleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consoled",
			Subsystem: "module",
			Name:      "requests_total",
			Help:      "Module commands answered, by final status.",
		},
		[]string{"module", "command", "status"},
	)
	moduleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "consoled",
			Subsystem: "module",
			Name:      "request_duration_seconds",
			Help:      "Module command duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"module", "command"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			routerRequests, protocolErrors, sessions, authFailures, moduleProcesses,
			moduleRequests, moduleDuration,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRouterResponse(command string, status int) {
	RegisterMetrics()
	routerRequests.WithLabelValues(command, strconv.Itoa(status)).Inc()
}

func RecordProtocolError() {
	RegisterMetrics()
	protocolErrors.Inc()
}

// SessionOpened and SessionClosed track the connected session gauge.
func SessionOpened() {
	RegisterMetrics()
	sessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessions.Dec()
}

func RecordAuthFailure(reason string) {
	RegisterMetrics()
	authFailures.WithLabelValues(reason).Inc()
}

func ModuleProcessStarted(module string) {
	RegisterMetrics()
	moduleProcesses.WithLabelValues(module).Inc()
}

func ModuleProcessStopped(module string) {
	RegisterMetrics()
	moduleProcesses.WithLabelValues(module).Dec()
}

// RecordModuleRequest counts a module command. Requests rejected before
// execution are recorded with a zero duration and no histogram sample.
func RecordModuleRequest(module, command string, status int, duration time.Duration) {
	RegisterMetrics()
	moduleRequests.WithLabelValues(module, command, strconv.Itoa(status)).Inc()
	if duration > 0 {
		moduleDuration.WithLabelValues(module, command).Observe(duration.Seconds())
	}
}
