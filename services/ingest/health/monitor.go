// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health watches the pipeline for stuck jobs and aggregates a
// weighted health score over breakers, the dead-letter queue, and job
// liveness.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/dlq"
	"github.com/AleutianAI/GraphVault/services/ingest/observability"
)

// Status is the aggregate service health level.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
)

// Pipeline is the slice of the orchestrator the monitor needs.
type Pipeline interface {
	Jobs(ctx context.Context) ([]*datatypes.Job, error)

	// Resume restarts a non-terminal job from its current stage.
	Resume(ctx context.Context, id string) error

	// MarkStuck closes a job whose resume budget is spent.
	MarkStuck(ctx context.Context, id string) error
}

// Config tunes the monitor.
type Config struct {
	// Interval is how often the monitor scans. Default 30s.
	Interval time.Duration

	// StuckTimeout is how long a job may go without a heartbeat before
	// it counts as stuck. Default 5m.
	StuckTimeout time.Duration

	// MaxResumeAttempts bounds automatic resumes per job before the
	// monitor escalates it. Default 3.
	MaxResumeAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	if c.MaxResumeAttempts <= 0 {
		c.MaxResumeAttempts = 3
	}
	return c
}

// Report is the operator-facing health summary.
type Report struct {
	Status          Status             `json:"status"`
	Score           int                `json:"score"`
	ActiveJobs      int                `json:"active_jobs"`
	StuckJobs       []string           `json:"stuck_jobs,omitempty"`
	Breakers        []breaker.Snapshot `json:"breakers"`
	DLQ             *datatypes.DLQStatus `json:"dlq"`
	Recommendations []string           `json:"recommendations,omitempty"`
	CheckedAt       time.Time          `json:"checked_at"`
}

// Monitor periodically scans jobs and computes health reports.
type Monitor struct {
	pipeline Pipeline
	breakers *breaker.Registry
	queue    *dlq.Queue
	metrics  *observability.IngestMetrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewMonitor wires a monitor. Run must be called to start scanning.
func NewMonitor(pipeline Pipeline, breakers *breaker.Registry, queue *dlq.Queue, metrics *observability.IngestMetrics, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		pipeline: pipeline,
		breakers: breakers,
		queue:    queue,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "health")),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run scans until ctx is cancelled. It always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("health scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Check performs one scan: recovers or escalates stuck jobs and
// computes the current report. The handler also calls this directly so
// /api/health/summary is never stale.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := m.now().UTC()
	jobs, err := m.pipeline.Jobs(ctx)
	if err != nil {
		return nil, err
	}

	var active int
	var stuck []string
	for _, job := range jobs {
		if job.Stage.Terminal() {
			continue
		}
		active++
		if !job.Stuck(now, m.cfg.StuckTimeout) {
			continue
		}
		stuck = append(stuck, job.ID)
		if m.metrics != nil {
			m.metrics.StuckJobsDetectedTotal.Inc()
		}
		m.handleStuck(ctx, job)
	}

	dlqStatus, err := m.queue.Status(ctx)
	if err != nil {
		return nil, err
	}
	breakers := m.breakers.Stats()
	m.updateBreakerMetrics(breakers)
	if m.metrics != nil {
		m.metrics.DLQDepth.Set(float64(dlqStatus.Depth))
	}

	report := m.score(active, stuck, breakers, dlqStatus, now)
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	if report.Status != StatusHealthy {
		m.logger.Warn("service health degraded",
			slog.String("status", string(report.Status)),
			slog.Int("score", report.Score),
			slog.Int("stuck_jobs", len(stuck)))
	}
	return report, nil
}

// Last returns the most recent report, or nil before the first scan.
func (m *Monitor) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) handleStuck(ctx context.Context, job *datatypes.Job) {
	logger := m.logger.With(
		slog.String("job_id", job.ID),
		slog.String("stage", string(job.Stage)),
		slog.Int("attempts", job.AttemptCount))

	if job.AttemptCount < m.cfg.MaxResumeAttempts {
		logger.Warn("stuck job detected, resuming")
		if err := m.pipeline.Resume(ctx, job.ID); err != nil {
			logger.Error("resume failed", slog.String("error", err.Error()))
		}
		return
	}
	logger.Error("stuck job exceeded resume budget, escalating")
	if err := m.pipeline.MarkStuck(ctx, job.ID); err != nil {
		logger.Error("escalation failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) updateBreakerMetrics(snapshots []breaker.Snapshot) {
	if m.metrics == nil {
		return
	}
	for _, s := range snapshots {
		var v float64
		switch s.State {
		case breaker.HalfOpen.String():
			v = 1
		case breaker.Open.String():
			v = 2
		}
		m.metrics.BreakerState.WithLabelValues(s.Dependency).Set(v)
	}
}

// score computes the weighted health score. Open breakers weigh the
// most since they block whole dependency classes; stuck jobs and
// escalated dead letters indicate work needing an operator.
func (m *Monitor) score(active int, stuck []string, breakers []breaker.Snapshot, dlqStatus *datatypes.DLQStatus, now time.Time) *Report {
	score := 100
	var recs []string

	for _, s := range breakers {
		switch s.State {
		case breaker.Open.String():
			score -= 25
			recs = append(recs, "dependency "+s.Dependency+" is failing; check its availability")
		case breaker.HalfOpen.String():
			score -= 10
		}
	}

	if n := len(stuck); n > 0 {
		penalty := 15 * n
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
		recs = append(recs, "stuck jobs detected; inspect pipeline logs")
	}

	if escalated := dlqStatus.ByStatus[datatypes.EntryEscalated]; escalated > 0 {
		penalty := 5 * escalated
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
		recs = append(recs, "escalated dead-letter entries await manual review")
	}
	if dlqStatus.Depth > 10 {
		score -= 10
		recs = append(recs, "dead-letter queue is deep; a dependency may be degraded")
	}

	if score < 0 {
		score = 0
	}
	status := StatusHealthy
	switch {
	case score < 50:
		status = StatusCritical
	case score < 80:
		status = StatusDegraded
	}

	return &Report{
		Status:          status,
		Score:           score,
		ActiveJobs:      active,
		StuckJobs:       stuck,
		Breakers:        breakers,
		DLQ:             dlqStatus,
		Recommendations: recs,
		CheckedAt:       now,
	}
}
