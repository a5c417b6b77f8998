// Package observability provides logging, metrics, and tracing.
//
// It integrates with Prometheus for metrics and OpenTelemetry for tracing.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed (retry or dead)",
		},
		[]string{"type"},
	)
	JobsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_recovered_total",
			Help: "Total number of stale jobs returned to pending",
		},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)

	AttemptsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempts_finished_total",
			Help: "Total number of attempts by final status",
		},
		[]string{"status"},
	)
	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attempt_duration_seconds",
			Help:    "Attempt wall-clock duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	AgentTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_turns_total",
			Help: "Total number of assistant turns observed",
		},
	)
	AgentToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Total number of agent tool calls by tool name",
		},
		[]string{"tool"},
	)
	AgentCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_cost_usd_total",
			Help: "Cumulative reported agent cost in USD",
		},
	)
	ClarificationsPendingWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clarification_wait_seconds",
			Help:    "Time spent waiting for human answers during an execution",
			Buckets: []float64{5, 15, 60, 300, 900, 3600, 14400},
		},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsEnqueuedTotal,
		JobsClaimedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRecoveredTotal,
		JobsProcessing,
		AttemptsFinishedTotal,
		AttemptDuration,
		AgentTurnsTotal,
		AgentToolCallsTotal,
		AgentCostUSD,
		ClarificationsPendingWait,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
