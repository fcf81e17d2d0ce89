// Package metrics provides Prometheus metrics for puente.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinkageDecisionsTotal tracks decisions by origin and action
	LinkageDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "linkage",
			Name:      "decisions_total",
			Help:      "Total number of linkage decisions by origin and decision",
		},
		[]string{"origin", "decision"},
	)

	// MatchScore tracks the best-candidate composite score
	MatchScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "puente",
			Subsystem: "linkage",
			Name:      "match_score",
			Help:      "Composite score of the best candidate",
			Buckets:   []float64{10, 30, 50, 60, 70, 80, 90, 95, 99, 100},
		},
		[]string{"origin"},
	)

	// SyncOperationsTotal tracks synchronization operations by final status
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total number of synchronization operations by mode and status",
		},
		[]string{"mode", "status"},
	)

	// SyncAttemptsTotal tracks individual registry write attempts
	SyncAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Total number of counterpart write attempts by result",
		},
		[]string{"result"},
	)

	// SyncDuration tracks synchronization duration in seconds
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "puente",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of synchronization operations in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// RollbacksTotal tracks compensating rollbacks by result
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "sync",
			Name:      "rollbacks_total",
			Help:      "Total number of compensating rollbacks by result",
		},
		[]string{"result"},
	)

	// ConflictsTotal tracks field conflicts by resolution
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "conflict",
			Name:      "fields_total",
			Help:      "Total number of field conflicts by resolution",
		},
		[]string{"resolution"},
	)

	// EscalationsTotal tracks operations handed to operators
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "sync",
			Name:      "escalations_total",
			Help:      "Total number of escalations by reason",
		},
		[]string{"reason"},
	)

	// ChangeEventsTotal tracks consumed change events
	ChangeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puente",
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Total number of consumed registry change events by result",
		},
		[]string{"origin", "result"},
	)
)
