// Package metrics exposes the hub's Prometheus collectors: run outcomes
// and durations, queue activity, agent connectivity, and bytes shipped to
// targets. Collectors are package-level and registered with the default
// registry; callers use the Record helpers rather than touching the
// collectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsEnqueuedTotal counts run rows created, labeled by how the run
	// entered the queue (scheduled, manual) and the status it was created
	// in (queued, rejected).
	RunsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_runs_enqueued_total",
		Help: "Run rows created, by source and initial status.",
	}, []string{"source", "status"})

	// RunsCompletedTotal counts runs reaching a terminal state on the hub
	// worker, labeled by terminal status.
	RunsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_runs_completed_total",
		Help: "Runs driven to a terminal state by the worker, by status.",
	}, []string{"status"})

	// RunDurationSeconds observes wall-clock run duration from claim to
	// terminal state.
	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bastion_run_duration_seconds",
		Help:    "Run duration from claim to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	// RunBytesUploadedTotal counts payload bytes a successful run reported
	// shipping to its target.
	RunBytesUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastion_run_bytes_uploaded_total",
		Help: "Payload bytes successful runs reported uploading.",
	})

	// ConnectedAgents tracks the number of currently registered agent
	// connections.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_connected_agents",
		Help: "Currently connected agents.",
	})

	// DeferredTaskOutcomesTotal counts deferred-queue claim outcomes,
	// labeled by queue table and the state the task transitioned to.
	DeferredTaskOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_deferred_task_outcomes_total",
		Help: "Deferred task claim outcomes, by queue and resulting state.",
	}, []string{"queue", "outcome"})
)

// RecordRunEnqueued records a run row entering the system.
func RecordRunEnqueued(source, status string) {
	RunsEnqueuedTotal.WithLabelValues(source, status).Inc()
}

// RecordRunCompleted records a run reaching a terminal state after
// duration.
func RecordRunCompleted(status string, duration time.Duration) {
	RunsCompletedTotal.WithLabelValues(status).Inc()
	RunDurationSeconds.Observe(duration.Seconds())
}

// RecordRunBytesUploaded adds a successful run's uploaded byte count.
func RecordRunBytesUploaded(n int64) {
	if n > 0 {
		RunBytesUploadedTotal.Add(float64(n))
	}
}

// RecordAgentConnected / RecordAgentDisconnected track the agent
// connection gauge around register/unregister.
func RecordAgentConnected()    { ConnectedAgents.Inc() }
func RecordAgentDisconnected() { ConnectedAgents.Dec() }

// RecordDeferredTaskOutcome records one claim outcome for queue.
func RecordDeferredTaskOutcome(queue, outcome string) {
	DeferredTaskOutcomesTotal.WithLabelValues(queue, outcome).Inc()
}
