// Package obsmetrics exposes Prometheus counters and histograms for the
// run lifecycle, scheduler, and maintenance components, following the
// teacher's registry/collector shape in internal/app/metrics.
package obsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdatacore",
			Subsystem: "runs",
			Name:      "runs_total",
			Help:      "Total number of workflow runs queued.",
		},
		[]string{"workflow_uuid"},
	)

	runsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdatacore",
			Subsystem: "runs",
			Name:      "runs_failed_total",
			Help:      "Total number of workflow runs that ended in failure.",
		},
		[]string{"workflow_uuid"},
	)

	schedulerReconcileTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rdatacore",
			Subsystem: "scheduler",
			Name:      "scheduler_reconcile_total",
			Help:      "Total number of scheduler reconciliation passes.",
		},
	)

	maintenanceTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rdatacore",
			Subsystem: "maintenance",
			Name:      "maintenance_task_duration_seconds",
			Help:      "Duration of maintenance task executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"task", "status"},
	)
)

func init() {
	Registry.MustRegister(runsTotal, runsFailedTotal, schedulerReconcileTotal, maintenanceTaskDuration)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRunQueued increments runs_total for a workflow.
func RecordRunQueued(workflowUUID string) {
	runsTotal.WithLabelValues(workflowUUID).Inc()
}

// RecordRunFailed increments runs_failed_total for a workflow.
func RecordRunFailed(workflowUUID string) {
	runsFailedTotal.WithLabelValues(workflowUUID).Inc()
}

// RecordSchedulerReconcile increments the reconciliation pass counter.
func RecordSchedulerReconcile() {
	schedulerReconcileTotal.Inc()
}

// RecordMaintenanceTask observes a maintenance task's execution duration.
func RecordMaintenanceTask(task string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	maintenanceTaskDuration.WithLabelValues(task, status).Observe(duration.Seconds())
}
