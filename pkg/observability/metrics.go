package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics namespace for all runbook API metrics.
const metricsNamespace = "runbook_api"

var (
	// OperationsTotal counts engine operations by name and status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Total number of runbook operations",
		},
		[]string{"operation", "status"},
	)

	// ScriptDuration measures script execution duration in seconds.
	ScriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "script_duration_seconds",
			Help:      "Duration of runbook script executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"runbook"},
	)

	// AuthorizationDenials counts RBAC denials by operation.
	AuthorizationDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorization_denials_total",
			Help:      "Total number of RBAC authorization denials",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		ScriptDuration,
		AuthorizationDenials,
	)
}
