package fluxline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric labels never carry payload contents, only statuses, classes and
// handler identifiers.
var (
	executionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxline_executions_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxline_executions_finished_total",
			Help: "Total number of workflow executions reaching a terminal status",
		},
		[]string{"status"},
	)

	stepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxline_step_attempts_total",
			Help: "Total number of step attempts by terminal status and error class",
		},
		[]string{"status", "error_class"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxline_step_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	deadLettersRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxline_dead_letters_total",
			Help: "Total number of executions routed to the dead letter",
		},
		[]string{"reason"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxline_claim_conflicts_total",
			Help: "Total number of claim or transition attempts lost to a concurrent writer",
		},
	)
)
