// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and with
// Prometheus for metrics. Logging is plain structured slog.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksConsumedTotal counts tasks dequeued, by priority.
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_consumed_total",
			Help: "Total number of tasks dequeued by priority",
		},
		[]string{"priority"},
	)
	// TasksSucceededTotal counts successful dispatch outcomes.
	TasksSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		},
		[]string{"task_type"},
	)
	// TasksFailedTotal counts terminal failures (non-retryable or retries exhausted).
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_failed_total",
			Help: "Total number of tasks that terminated in FAILED",
		},
		[]string{"task_type"},
	)
	// TasksTimeoutTotal counts every deadline timeout, whether the task is
	// then retried or terminates in TIMEOUT.
	TasksTimeoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_timeout_total",
			Help: "Total number of task executions that hit their deadline (retried or terminal)",
		},
		[]string{"task_type"},
	)
	// TasksRetriedTotal counts retry re-enqueues, by reason (failure/timeout).
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_retried_total",
			Help: "Total number of tasks re-enqueued for retry",
		},
		[]string{"reason"},
	)
	// ActiveExecutions is a gauge of the current in-flight execution count.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_executions",
			Help: "Current number of in-flight task executions",
		},
	)
	// DispatchDuration records dispatch wall-clock duration by outcome.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_dispatch_duration_seconds",
			Help:    "Dispatch activity duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 45, 60},
		},
		[]string{"outcome"},
	)
	// ProxyPoolSize is a gauge of cached proxies per market.
	ProxyPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_proxy_pool_size",
			Help: "Number of cached proxies per market",
		},
		[]string{"market"},
	)
	// CredentialPoolSize is a gauge of cached credentials per market.
	CredentialPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_credential_pool_size",
			Help: "Number of cached credentials per market",
		},
		[]string{"market"},
	)
	// AutoscalerScaleActionsTotal counts autoscaler decisions, by action.
	AutoscalerScaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_autoscaler_scale_actions_total",
			Help: "Total autoscaler decisions by action (SCALE_UP, SCALE_DOWN, NO_ACTION)",
		},
		[]string{"deployment", "action"},
	)
	// AutoscalerReplicas is a gauge of the last-observed replica count per deployment.
	AutoscalerReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_autoscaler_replicas",
			Help: "Last observed replica count per deployment",
		},
		[]string{"deployment"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		TasksConsumedTotal,
		TasksSucceededTotal,
		TasksFailedTotal,
		TasksTimeoutTotal,
		TasksRetriedTotal,
		ActiveExecutions,
		DispatchDuration,
		ProxyPoolSize,
		CredentialPoolSize,
		AutoscalerScaleActionsTotal,
		AutoscalerReplicas,
	)
}
