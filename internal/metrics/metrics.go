// Package metrics exposes Prometheus collectors for the pipeline. All
// collectors register on the default registry; the server serves them on
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts tasks accepted by the scheduler.
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Total number of tasks submitted",
		},
	)

	// TasksFinished counts tasks reaching a terminal phase.
	// Labels: phase (completed, escalated, blocked)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Total number of tasks by terminal phase",
		},
		[]string{"phase"},
	)

	// TasksRunning tracks tasks currently admitted to a worker slot.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Number of tasks currently executing",
		},
	)

	// Transitions counts recorded phase transitions.
	// Labels: from, to
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total number of phase transitions",
		},
		[]string{"from", "to"},
	)

	// Pushbacks counts quality failures that sent work back to code.
	// Labels: phase (test, review)
	Pushbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "pushbacks_total",
			Help:      "Total number of pushbacks to the code phase",
		},
		[]string{"phase"},
	)

	// PhaseDuration tracks wall clock time of phase invocations.
	// Labels: phase, status (success, failure, timeout, unavailable)
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "covalent",
			Subsystem: "tasks",
			Name:      "phase_duration_seconds",
			Help:      "Duration of phase invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"phase", "status"},
	)

	// ExecutorRetries counts retried executor invocations after an
	// unavailability error.
	ExecutorRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Total number of executor retries after unavailability",
		},
	)

	// EventsDropped counts events a slow subscriber missed.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covalent",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped by slow subscribers",
		},
	)
)

// ObservePhase records one phase invocation.
func ObservePhase(phase, status string, d time.Duration) {
	PhaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}

// RecordTransition records a phase change.
func RecordTransition(from, to string) {
	Transitions.WithLabelValues(from, to).Inc()
}

// RecordTerminal records a task reaching its final phase.
func RecordTerminal(phase string) {
	TasksFinished.WithLabelValues(phase).Inc()
}
