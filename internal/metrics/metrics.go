// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package metrics provides Prometheus instrumentation for the event
// processor: pipeline throughput, rejection and duplicate counts,
// projection write outcomes, ledger operations, and probabilistic
// structure health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics

	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_events_received_total",
			Help: "Total number of swipe events pulled from the ingress stream",
		},
	)

	EventsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_events_committed_total",
			Help: "Total number of swipe events committed to both projections",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swipe_events_rejected_total",
			Help: "Total number of swipe events routed to the rejection sink",
		},
		[]string{"reason"}, // unknown_subject, malformed_payload
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_duplicate_deliveries_total",
			Help: "Total number of redeliveries acknowledged without reprocessing",
		},
	)

	EventsNacked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_events_nacked_total",
			Help: "Total number of events negatively acknowledged for redelivery",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swipe_processing_duration_seconds",
			Help:    "End-to-end processing duration per event",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Record writer metrics

	ProjectionWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_writes_total",
			Help: "Total number of projection write attempts",
		},
		[]string{"target", "outcome"}, // target: by_session, by_subject; outcome: success, failure
	)

	ProjectionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_write_retries_total",
			Help: "Total number of per-target projection write retries",
		},
		[]string{"target"},
	)

	// Dedup ledger metrics

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_ledger_operations_total",
			Help: "Total number of dedup ledger operations",
		},
		[]string{"operation", "outcome"}, // operation: claim, commit, release, cleanup
	)

	LedgerSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_ledger_entries",
			Help: "Approximate number of entries in the dedup ledger",
		},
	)

	// Membership filter metrics

	FilterFillRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "membership_filter_fill_ratio",
			Help: "Fraction of set bits in the membership filter bit array",
		},
	)

	FilterPopulationSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "membership_filter_population_size",
			Help: "Number of subject identifiers loaded into the membership filter",
		},
	)

	FilterRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_filter_refreshes_total",
			Help: "Total number of population refresh attempts",
		},
		[]string{"outcome"},
	)

	// Cardinality estimator metrics

	EstimatorKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardinality_estimator_keys",
			Help: "Number of (session, day) partitions with live estimators",
		},
	)

	EstimatorCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardinality_estimator_checkpoints_total",
			Help: "Total number of estimator checkpoint operations",
		},
		[]string{"outcome"},
	)
)

// RecordCommit records a fully committed event and its processing duration.
func RecordCommit(duration time.Duration) {
	EventsCommitted.Inc()
	ProcessingDuration.Observe(duration.Seconds())
}

// RecordRejection records an event routed to the rejection sink.
func RecordRejection(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
}

// RecordProjectionWrite records a single projection write attempt.
func RecordProjectionWrite(target string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ProjectionWrites.WithLabelValues(target, outcome).Inc()
}

// RecordLedgerOp records a dedup ledger operation outcome.
func RecordLedgerOp(operation, outcome string) {
	LedgerOperations.WithLabelValues(operation, outcome).Inc()
}
