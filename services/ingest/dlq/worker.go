// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dlq

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// Resubmitter resumes a dead-lettered job from its failed stage. The
// pipeline orchestrator implements this.
type Resubmitter interface {
	Resubmit(ctx context.Context, entry *datatypes.DeadLetterEntry) error
}

// ResubmitFunc adapts a function to the Resubmitter interface.
type ResubmitFunc func(ctx context.Context, entry *datatypes.DeadLetterEntry) error

// Resubmit calls f.
func (f ResubmitFunc) Resubmit(ctx context.Context, entry *datatypes.DeadLetterEntry) error {
	return f(ctx, entry)
}

// WorkerConfig tunes the background retry loop.
type WorkerConfig struct {
	// PollInterval is how often the worker scans for due entries.
	// Default 5s.
	PollInterval time.Duration

	// RetryRate caps resubmissions per second so a recovering
	// dependency is not immediately flooded. Default 2/s.
	RetryRate rate.Limit

	// RetryBurst is the limiter burst size. Default 1.
	RetryBurst int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryRate <= 0 {
		c.RetryRate = 2
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 1
	}
	return c
}

// Worker is the background retry loop. It claims due entries, rate
// limits resubmission, and reschedules or escalates failures.
type Worker struct {
	queue     *Queue
	resubmit  Resubmitter
	cfg       WorkerConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
	onAttempt func(entry *datatypes.DeadLetterEntry, err error)
}

// NewWorker creates a worker over queue. Run must be called to start it.
func NewWorker(queue *Queue, resubmit Resubmitter, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		queue:    queue,
		resubmit: resubmit,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
		logger:   logger.With(slog.String("component", "dlq_worker")),
	}
}

// SetAttemptHook installs a callback invoked after every retry attempt.
// Used by metrics.
func (w *Worker) SetAttemptHook(fn func(entry *datatypes.DeadLetterEntry, err error)) {
	w.onAttempt = fn
}

// Run polls for due entries until ctx is cancelled. It always returns
// ctx.Err(); run it under an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("retry worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval))

	// Sweep once at startup so entries stranded by a crash do not wait
	// out the first poll interval.
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and processes every currently-due entry. It first
// reclaims entries abandoned in RETRYING by a crashed predecessor so
// they are eligible for this pass.
func (w *Worker) drain(ctx context.Context) {
	if _, err := w.queue.ReclaimStale(ctx); err != nil {
		w.logger.Error("reclaim stale entries failed", slog.String("error", err.Error()))
	}
	claimed, err := w.queue.ClaimDue(ctx)
	if err != nil {
		w.logger.Error("claim due entries failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range claimed {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.attempt(ctx, entry)
	}
}

func (w *Worker) attempt(ctx context.Context, entry *datatypes.DeadLetterEntry) {
	logger := w.logger.With(
		slog.String("entry_id", entry.ID),
		slog.String("job_id", entry.JobID),
		slog.String("stage", string(entry.Stage)),
		slog.Int("attempt", entry.Attempts+1),
	)

	err := w.resubmit.Resubmit(ctx, entry)
	if w.onAttempt != nil {
		w.onAttempt(entry, err)
	}
	if err == nil {
		if rerr := w.queue.Resolve(ctx, entry.ID); rerr != nil {
			logger.Error("resolve after successful retry failed",
				slog.String("error", rerr.Error()))
			return
		}
		logger.Info("retry succeeded")
		return
	}

	updated, rerr := w.queue.Reschedule(ctx, entry.ID, err)
	if rerr != nil {
		logger.Error("reschedule failed", slog.String("error", rerr.Error()))
		return
	}
	if updated.Status == datatypes.EntryEscalated {
		logger.Warn("retries exhausted, entry escalated",
			slog.String("error", datatypes.UserMessage(err)))
		return
	}
	logger.Info("retry failed, rescheduled",
		slog.Time("next_retry_at", updated.NextRetryAt),
		slog.String("error", datatypes.UserMessage(err)))
}
