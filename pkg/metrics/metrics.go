package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	WorkflowsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_workflows_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	WorkflowsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_workflows_completed_total",
			Help: "Total number of workflows that completed successfully",
		},
	)

	WorkflowsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_workflows_failed_total",
			Help: "Total number of workflows that ended in failure",
		},
	)

	WorkflowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "powerdaemon_workflows_active",
			Help: "Number of workflows currently executing",
		},
	)

	WorkflowsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "powerdaemon_workflows_queued",
			Help: "Number of workflows waiting for an execution slot",
		},
	)

	StepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerdaemon_steps_executed_total",
			Help: "Total number of step executions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powerdaemon_step_duration_seconds",
			Help:    "Step execution duration in seconds by type",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"type"},
	)

	RollbacksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_rollbacks_started_total",
			Help: "Total number of rollback passes started",
		},
	)

	// Alerting metrics
	RulesEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_rules_evaluated_total",
			Help: "Total number of alert rule evaluations",
		},
	)

	RuleEvalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powerdaemon_rule_eval_failures_total",
			Help: "Total number of alert rule evaluations that errored",
		},
	)

	AlertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerdaemon_alerts_triggered_total",
			Help: "Total number of alerts created by severity",
		},
		[]string{"severity"},
	)

	AlertsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "powerdaemon_alerts_active",
			Help: "Number of alerts currently active or acknowledged",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "powerdaemon_evaluation_duration_seconds",
			Help:    "Alert evaluation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerdaemon_notifications_sent_total",
			Help: "Total number of notification deliveries by channel type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerdaemon_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powerdaemon_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(WorkflowsStarted)
	prometheus.MustRegister(WorkflowsCompleted)
	prometheus.MustRegister(WorkflowsFailed)
	prometheus.MustRegister(WorkflowsActive)
	prometheus.MustRegister(WorkflowsQueued)
	prometheus.MustRegister(StepsExecuted)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(RollbacksStarted)
	prometheus.MustRegister(RulesEvaluated)
	prometheus.MustRegister(RuleEvalFailures)
	prometheus.MustRegister(AlertsTriggered)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(EvaluationDuration)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
