// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// ingestion pipeline.
//
// # Description
//
// This package implements Prometheus metrics for monitoring document
// ingestion. Metrics include:
//   - Job counters (submitted, finished by outcome)
//   - Stage duration histograms
//   - Circuit breaker state gauges
//   - Dead-letter queue depth and retry counters
//   - Progress subscriber gauges
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "graphvault"

// Subsystem for ingestion metrics
const ingestSubsystem = "ingest"

// IngestMetrics holds all Prometheus metrics for the pipeline.
//
// Obtain via InitMetrics(), which registers on first call and returns
// the shared instance afterwards.
type IngestMetrics struct {
	// JobsSubmittedTotal counts jobs accepted into the pipeline.
	JobsSubmittedTotal prometheus.Counter

	// JobsFinishedTotal counts jobs reaching a terminal stage.
	// Labels: outcome (COMPLETED, FAILED_TERMINAL, MANUAL_REVIEW, CANCELLED)
	JobsFinishedTotal *prometheus.CounterVec

	// StageDurationSeconds measures wall time spent per pipeline stage.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// StageFailuresTotal counts stage failures by classified kind.
	// Labels: stage, error_kind
	StageFailuresTotal *prometheus.CounterVec

	// BreakerState reports circuit breaker state per dependency.
	// 0=CLOSED, 1=HALF_OPEN, 2=OPEN. Labels: dependency
	BreakerState *prometheus.GaugeVec

	// DLQDepth is the current number of dead-letter entries.
	DLQDepth prometheus.Gauge

	// DLQRetriesTotal counts automatic retry attempts.
	// Labels: result (success, rescheduled, escalated)
	DLQRetriesTotal *prometheus.CounterVec

	// ActiveJobs tracks jobs currently in a non-terminal stage.
	ActiveJobs prometheus.Gauge

	// ProgressSubscribers tracks open progress subscriptions.
	ProgressSubscribers prometheus.Gauge

	// GraphWritesTotal counts graph store writes by object type and result.
	// Labels: object (entity, relationship, citation), result (ok, error)
	GraphWritesTotal *prometheus.CounterVec

	// RollbacksTotal counts transaction rollbacks by result.
	// Labels: result (ok, failed)
	RollbacksTotal *prometheus.CounterVec

	// StuckJobsDetectedTotal counts health-monitor stuck detections.
	StuckJobsDetectedTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of IngestMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *IngestMetrics

var initOnce sync.Once

// InitMetrics registers all pipeline metrics on the default Prometheus
// registry. Registration happens once; later calls (a second service in
// the same process, tests constructing multiple services) return the
// already-registered instance instead of panicking on duplicates.
func InitMetrics() *IngestMetrics {
	initOnce.Do(initMetrics)
	return DefaultMetrics
}

func initMetrics() {
	DefaultMetrics = &IngestMetrics{
		JobsSubmittedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "jobs_submitted_total",
				Help:      "Total jobs accepted into the pipeline",
			},
		),

		JobsFinishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "jobs_finished_total",
				Help:      "Total jobs reaching a terminal stage by outcome",
			},
			[]string{"outcome"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent per pipeline stage in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),

		StageFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "stage_failures_total",
				Help:      "Stage failures by stage and classified error kind",
			},
			[]string{"stage", "error_kind"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),

		DLQDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "dlq_depth",
				Help:      "Current number of dead-letter entries",
			},
		),

		DLQRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "dlq_retries_total",
				Help:      "Automatic dead-letter retry attempts by result",
			},
			[]string{"result"},
		),

		ActiveJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "active_jobs",
				Help:      "Jobs currently in a non-terminal stage",
			},
		),

		ProgressSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "progress_subscribers",
				Help:      "Open progress subscriptions",
			},
		),

		GraphWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "graph_writes_total",
				Help:      "Graph store writes by object type and result",
			},
			[]string{"object", "result"},
		),

		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "rollbacks_total",
				Help:      "Transaction rollbacks by result",
			},
			[]string{"result"},
		),

		StuckJobsDetectedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "stuck_jobs_detected_total",
				Help:      "Jobs the health monitor flagged as stuck",
			},
		),
	}
}
