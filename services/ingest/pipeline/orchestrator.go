// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives documents through the ingestion stages.
//
// # Description
//
// The orchestrator owns the stage state machine:
//
//	RECEIVED -> TEXT_EXTRACTED -> ENTITIES_EXTRACTED -> GRAPH_POPULATED
//	         -> VERIFIED -> INTEGRITY_CHECKED -> FINALIZED -> COMPLETED
//
// Every stage transition is persisted and broadcast as progress. Graph
// writes run inside an atomic transaction routed through circuit
// breakers; any stage failure is classified and handed to the
// dead-letter queue, which later resumes the job from the failed stage
// via Resubmit. Cancellation is cooperative and honored at stage
// boundaries only, so a cancel can never tear a transaction in half.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Per-job processing
// is single-threaded; the worker semaphore bounds global concurrency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/dlq"
	"github.com/AleutianAI/GraphVault/services/ingest/extract"
	"github.com/AleutianAI/GraphVault/services/ingest/graphstore"
	"github.com/AleutianAI/GraphVault/services/ingest/observability"
	"github.com/AleutianAI/GraphVault/services/ingest/progress"
	"github.com/AleutianAI/GraphVault/services/ingest/txn"
)

// Dependency names used for circuit breaker routing.
const (
	DepGraphStore = "graphstore"
	DepExtractor  = "extractor"
)

// ErrTerminal is returned when an operation targets a job that already
// reached a terminal stage.
var ErrTerminal = errors.New("job is in a terminal stage")

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent bounds simultaneously processing jobs. Default 4.
	MaxConcurrent int

	// HeartbeatInterval is how often an active job refreshes its
	// liveness timestamp. Default 10s.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Orchestrator is the pipeline driver.
type Orchestrator struct {
	jobs     JobStore
	text     extract.TextExtractor
	entities extract.EntityExtractor
	graph    graphstore.Store
	txns     *txn.Manager
	breakers *breaker.Registry
	queue    *dlq.Queue
	progress *progress.Broadcaster
	metrics  *observability.IngestMetrics
	logger   *slog.Logger
	cfg      Config

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	runCtx context.Context
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Jobs     JobStore
	Text     extract.TextExtractor
	Entities extract.EntityExtractor
	Graph    graphstore.Store
	Txns     *txn.Manager
	Breakers *breaker.Registry
	Queue    *dlq.Queue
	Progress *progress.Broadcaster
	Metrics  *observability.IngestMetrics
	Logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator. Start must be called before
// Submit.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		jobs:     deps.Jobs,
		text:     deps.Text,
		entities: deps.Entities,
		graph:    deps.Graph,
		txns:     deps.Txns,
		breakers: deps.Breakers,
		queue:    deps.Queue,
		progress: deps.Progress,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "pipeline")),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start records the background context under which workers run and
// resumes jobs interrupted by a previous crash.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	jobs, err := o.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs for crash recovery: %w", err)
	}
	for _, job := range jobs {
		if job.Stage.Terminal() {
			continue
		}
		o.logger.Info("resuming job interrupted by restart",
			slog.String("job_id", job.ID),
			slog.String("stage", string(job.Stage)))
		o.spawn(job.ID)
	}
	return nil
}

// Wait blocks until all in-flight workers finish. Call after the run
// context is cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Submit accepts a document and starts processing it asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, sourceRef string, declaredSize int64) (*datatypes.Job, error) {
	if sourceRef == "" {
		return nil, datatypes.ValidationError("source reference is required", nil)
	}
	now := time.Now().UTC()
	job := &datatypes.Job{
		ID:              uuid.NewString(),
		SourceRef:       sourceRef,
		DeclaredSize:    declaredSize,
		Stage:           datatypes.StageReceived,
		StartedAt:       now,
		LastHeartbeatAt: now,
		AttemptCount:    1,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if o.metrics != nil {
		o.metrics.JobsSubmittedTotal.Inc()
		o.metrics.ActiveJobs.Inc()
	}
	o.publish(ctx, job, "document received")
	o.spawn(job.ID)
	return job, nil
}

// Job returns the current state of a job.
func (o *Orchestrator) Job(ctx context.Context, id string) (*datatypes.Job, error) {
	return o.jobs.Get(ctx, id)
}

// Jobs lists all jobs, newest first.
func (o *Orchestrator) Jobs(ctx context.Context) ([]*datatypes.Job, error) {
	return o.jobs.List(ctx)
}

// Cancel flags a job for cooperative cancellation. The flag is honored
// at the next stage boundary; the in-flight stage always finishes or
// rolls back first.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	_, err := o.jobs.Update(ctx, id, func(job *datatypes.Job) error {
		if job.Stage.Terminal() {
			return ErrTerminal
		}
		job.CancelRequested = true
		return nil
	})
	return err
}

// Resubmit resumes a dead-lettered job from its failed stage. It
// implements dlq.Resubmitter and runs synchronously so the retry worker
// observes the outcome. A job parked in MANUAL_REVIEW is reopened at
// the stage preceding the entry's failed stage, so an operator's forced
// retry pushes it back through the pipeline; other terminal stages stay
// final.
func (o *Orchestrator) Resubmit(ctx context.Context, entry *datatypes.DeadLetterEntry) error {
	reopened := false
	job, err := o.jobs.Update(ctx, entry.JobID, func(job *datatypes.Job) error {
		if job.Stage.Terminal() {
			if job.Stage != datatypes.StageManualReview {
				return ErrTerminal
			}
			resume := datatypes.StageReceived
			if prev, ok := entry.Stage.Prev(); ok {
				resume = prev
			}
			job.Stage = resume
			job.Result = nil
			job.CancelRequested = false
			reopened = true
		}
		job.AttemptCount++
		job.Heartbeat(time.Now().UTC())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			// Nothing left to retry.
			return nil
		}
		return err
	}
	if reopened {
		if o.metrics != nil {
			o.metrics.ActiveJobs.Inc()
		}
		o.publishMessage(ctx, job, "manual retry accepted, reprocessing")
	}
	aerr := o.advance(ctx, job, false)
	if aerr != nil {
		// A terminal failure (cancelled, source gone) already closed
		// the job; resolve the entry instead of rescheduling it.
		if final, gerr := o.jobs.Get(ctx, job.ID); gerr == nil && final.Stage.Terminal() {
			return nil
		}
	}
	return aerr
}

// Resume restarts processing of a non-terminal job from its current
// stage. The health monitor calls this for stuck jobs.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	_, err := o.jobs.Update(ctx, id, func(job *datatypes.Job) error {
		if job.Stage.Terminal() {
			return ErrTerminal
		}
		job.AttemptCount++
		job.Heartbeat(time.Now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	o.spawn(id)
	return nil
}

// MarkStuck closes a job whose resume budget is spent: the job moves to
// MANUAL_REVIEW and a manual dead-letter entry records it for an
// operator.
func (o *Orchestrator) MarkStuck(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Stage.Terminal() {
		return ErrTerminal
	}
	reason := fmt.Sprintf("job stalled at stage %s with no heartbeat", job.Stage)
	// The entry records the stage the job never reached, matching the
	// failed-stage semantics of Enqueue, so a forced retry resumes from
	// the stage the job actually stalled at.
	stalled := job.Stage
	if next, ok := job.Stage.Next(); ok {
		stalled = next
	}
	if _, err := o.queue.EnqueueManual(ctx, job.ID, stalled, reason); err != nil {
		o.logger.Error("dead-letter stuck job", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	o.finish(ctx, job, datatypes.StageManualReview, &datatypes.JobResult{
		Success:   false,
		ErrorKind: datatypes.KindUnknown,
		Reason:    "job stalled and exceeded its resume budget",
	})
	return nil
}

// spawn runs a worker for jobID under the orchestrator's run context.
func (o *Orchestrator) spawn(jobID string) {
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return
		}
		job, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			o.logger.Error("load job for processing",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
			return
		}
		if err := o.advance(ctx, job, true); err != nil {
			// advance already recorded the failure; nothing else to do
			// in the detached worker.
			_ = err
		}
	}()
}

// advance runs the pipeline from the job's current stage to a terminal
// stage or the first failure. When deadLetter is true failures are
// enqueued for retry; Resubmit passes false so the retry worker owns
// rescheduling.
func (o *Orchestrator) advance(ctx context.Context, job *datatypes.Job, deadLetter bool) error {
	stopHeartbeat := o.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	for {
		fresh, err := o.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		job = fresh
		if job.Stage.Terminal() {
			return nil
		}
		if job.CancelRequested {
			o.finish(ctx, job, datatypes.StageCancelled, &datatypes.JobResult{
				Success:   false,
				ErrorKind: datatypes.KindCancelled,
				Reason:    "cancelled by request",
			})
			return nil
		}
		next, ok := job.Stage.Next()
		if !ok {
			// FINALIZED is the last working stage.
			o.finish(ctx, job, datatypes.StageCompleted, job.Result)
			return nil
		}

		started := time.Now()
		err = o.runStage(ctx, job, next)
		if o.metrics != nil {
			o.metrics.StageDurationSeconds.WithLabelValues(string(next)).
				Observe(time.Since(started).Seconds())
		}
		if err != nil {
			o.failStage(ctx, job, next, err, deadLetter)
			return err
		}

		job, err = o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
			j.Stage = next
			j.Heartbeat(time.Now().UTC())
			return nil
		})
		if err != nil {
			return err
		}
		o.publish(ctx, job, stageMessage(next))
	}
}

// runStage executes the work that moves the job INTO stage.
func (o *Orchestrator) runStage(ctx context.Context, job *datatypes.Job, stage datatypes.Stage) error {
	switch stage {
	case datatypes.StageTextExtracted:
		return o.stageExtractText(ctx, job)
	case datatypes.StageEntitiesExtracted:
		return o.stageExtractEntities(ctx, job)
	case datatypes.StageGraphPopulated:
		return o.stagePopulateGraph(ctx, job)
	case datatypes.StageVerified:
		return o.stageVerify(ctx, job)
	case datatypes.StageIntegrityChecked:
		return o.stageIntegrity(ctx, job)
	case datatypes.StageFinalized:
		return o.stageFinalize(ctx, job)
	default:
		return fmt.Errorf("no work defined for stage %s", stage)
	}
}

func (o *Orchestrator) stageExtractText(ctx context.Context, job *datatypes.Job) error {
	text, err := o.text.ExtractText(ctx, job.SourceRef)
	if err != nil {
		return err
	}
	return o.jobs.SaveText(ctx, job.ID, text)
}

func (o *Orchestrator) stageExtractEntities(ctx context.Context, job *datatypes.Job) error {
	text, err := o.jobs.LoadText(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load extracted text: %w", err)
	}

	var result *datatypes.ExtractionResult
	err = o.breakers.Execute(ctx, DepExtractor, func(ctx context.Context) error {
		var eerr error
		result, eerr = o.entities.ExtractEntities(ctx, job.ID, job.SourceRef, text)
		return eerr
	})
	if err != nil {
		return err
	}
	if err := result.Validate(); err != nil {
		return err
	}
	if err := o.jobs.SaveExtraction(ctx, job.ID, result); err != nil {
		return err
	}
	_, err = o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
		j.ExpectedCounts = result.Counts()
		return nil
	})
	return err
}

func (o *Orchestrator) stagePopulateGraph(ctx context.Context, job *datatypes.Job) error {
	result, err := o.jobs.LoadExtraction(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load extraction result: %w", err)
	}

	ops := o.graphOperations(result)
	txResult, err := o.txns.Run(ctx, job.ID, ops)
	if o.metrics != nil {
		if txResult.Status == txn.StatusRolledBack {
			outcome := "ok"
			if txResult.RollbackErr != nil {
				outcome = "failed"
			}
			o.metrics.RollbacksTotal.WithLabelValues(outcome).Inc()
		}
	}
	return err
}

// graphOperations builds one reversible operation per knowledge object.
// Writes are idempotent per ID, so a resumed or repaired transaction
// can safely re-apply them.
func (o *Orchestrator) graphOperations(result *datatypes.ExtractionResult) []txn.Operation {
	ops := make([]txn.Operation, 0, len(result.Entities)+len(result.Relationships)+len(result.Citations))
	for _, e := range result.Entities {
		entity := e
		ops = append(ops, txn.Operation{
			ID:          "entity:" + entity.ID,
			Kind:        "entity",
			Description: "write entity " + entity.Name,
			Dependency:  DepGraphStore,
			Apply: func(ctx context.Context) error {
				return o.countWrite("entity", o.graph.WriteEntity(ctx, entity))
			},
			Undo: func(ctx context.Context) error {
				return o.graph.DeleteEntity(ctx, entity.ID)
			},
		})
	}
	for _, r := range result.Relationships {
		rel := r
		ops = append(ops, txn.Operation{
			ID:          "relationship:" + rel.ID,
			Kind:        "relationship",
			Description: "write relationship " + rel.Predicate,
			Dependency:  DepGraphStore,
			Apply: func(ctx context.Context) error {
				return o.countWrite("relationship", o.graph.WriteRelationship(ctx, rel))
			},
			Undo: func(ctx context.Context) error {
				return o.graph.DeleteRelationship(ctx, rel.ID)
			},
		})
	}
	for _, c := range result.Citations {
		cit := c
		ops = append(ops, txn.Operation{
			ID:          "citation:" + cit.ID,
			Kind:        "citation",
			Description: "write citation for " + cit.EntityID,
			Dependency:  DepGraphStore,
			Apply: func(ctx context.Context) error {
				return o.countWrite("citation", o.graph.WriteCitation(ctx, cit))
			},
			Undo: func(ctx context.Context) error {
				return o.graph.DeleteCitation(ctx, cit.ID)
			},
		})
	}
	return ops
}

func (o *Orchestrator) countWrite(object string, err error) error {
	if o.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		o.metrics.GraphWritesTotal.WithLabelValues(object, result).Inc()
	}
	return err
}

// stageVerify compares store counts against the extraction's expected
// counts. A mismatch triggers one repair pass (idempotent re-apply of
// all writes in a fresh transaction) before failing with an integrity
// error.
func (o *Orchestrator) stageVerify(ctx context.Context, job *datatypes.Job) error {
	counts, err := o.readCounts(ctx, job.ID)
	if err != nil {
		return err
	}
	if !counts.Matches(job.ExpectedCounts) {
		o.logger.Warn("verification mismatch, attempting repair",
			slog.String("job_id", job.ID),
			slog.Int("expected", job.ExpectedCounts.Total()),
			slog.Int("observed", counts.Entities+counts.Relationships+counts.Citations))
		if err := o.stagePopulateGraph(ctx, job); err != nil {
			return datatypes.IntegrityError("graph repair failed", err)
		}
		counts, err = o.readCounts(ctx, job.ID)
		if err != nil {
			return err
		}
		if !counts.Matches(job.ExpectedCounts) {
			return datatypes.IntegrityError(fmt.Sprintf(
				"graph counts do not match extraction after repair: want %d entities %d relationships %d citations, have %d/%d/%d",
				job.ExpectedCounts.Entities, job.ExpectedCounts.Relationships, job.ExpectedCounts.Citations,
				counts.Entities, counts.Relationships, counts.Citations), nil)
		}
	}
	_, err = o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if j.Result == nil {
			j.Result = &datatypes.JobResult{}
		}
		j.Result.VerifiedCounts = counts
		return nil
	})
	return err
}

func (o *Orchestrator) readCounts(ctx context.Context, jobID string) (datatypes.GraphCounts, error) {
	var counts datatypes.GraphCounts
	err := o.breakers.Execute(ctx, DepGraphStore, func(ctx context.Context) error {
		var rerr error
		counts, rerr = o.graph.ReadCounts(ctx, jobID)
		return rerr
	})
	return counts, err
}

// stageIntegrity runs referential checks over the written graph.
// Dangling relationship endpoints are hard failures; cosmetic gaps
// (untyped entities, uncited entities) are downgraded to warnings.
func (o *Orchestrator) stageIntegrity(ctx context.Context, job *datatypes.Job) error {
	var entities []datatypes.Entity
	var relationships []datatypes.Relationship
	err := o.breakers.Execute(ctx, DepGraphStore, func(ctx context.Context) error {
		var rerr error
		entities, rerr = o.graph.ListEntities(ctx, job.ID)
		if rerr != nil {
			return rerr
		}
		relationships, rerr = o.graph.ListRelationships(ctx, job.ID)
		return rerr
	})
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(entities))
	var warnings []string
	for _, e := range entities {
		known[e.ID] = struct{}{}
		if e.Type == "" {
			warnings = append(warnings, fmt.Sprintf("entity %q has no type", e.Name))
		}
	}
	for _, r := range relationships {
		if _, ok := known[r.FromID]; !ok {
			return datatypes.IntegrityError(
				fmt.Sprintf("relationship %s references missing entity %s", r.ID, r.FromID), nil)
		}
		if _, ok := known[r.ToID]; !ok {
			return datatypes.IntegrityError(
				fmt.Sprintf("relationship %s references missing entity %s", r.ID, r.ToID), nil)
		}
	}

	_, err = o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if j.Result == nil {
			j.Result = &datatypes.JobResult{}
		}
		j.Result.Warnings = warnings
		return nil
	})
	return err
}

func (o *Orchestrator) stageFinalize(ctx context.Context, job *datatypes.Job) error {
	_, err := o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if j.Result == nil {
			j.Result = &datatypes.JobResult{}
		}
		j.Result.Success = true
		return nil
	})
	return err
}

// failStage records a classified stage failure. Cancellation finishes
// the job; SOURCE_GONE is unrecoverable and fails terminally; other
// kinds go to the dead-letter queue, leaving the job at its last
// completed stage so the retry resumes there.
func (o *Orchestrator) failStage(ctx context.Context, job *datatypes.Job, stage datatypes.Stage, cause error, deadLetter bool) {
	kind := datatypes.Classify(cause)
	if o.metrics != nil {
		o.metrics.StageFailuresTotal.WithLabelValues(string(stage), string(kind)).Inc()
	}
	logger := o.logger.With(
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.String("error_kind", string(kind)),
	)
	logger.Error("stage failed", slog.String("error", cause.Error()))

	switch kind {
	case datatypes.KindCancelled:
		o.finish(ctx, job, datatypes.StageCancelled, &datatypes.JobResult{
			Success:   false,
			ErrorKind: kind,
			Reason:    "cancelled by request",
		})
		return
	case datatypes.KindSourceGone:
		o.finish(ctx, job, datatypes.StageFailedTerminal, &datatypes.JobResult{
			Success:   false,
			ErrorKind: kind,
			Reason:    datatypes.UserMessage(cause),
		})
		return
	}

	if !deadLetter {
		// Resubmit path: the retry worker reschedules or escalates.
		return
	}

	entry, err := o.queue.Enqueue(ctx, job.ID, stage, nil, cause)
	if err != nil {
		logger.Error("dead-letter enqueue failed", slog.String("error", err.Error()))
		o.finish(ctx, job, datatypes.StageFailedTerminal, &datatypes.JobResult{
			Success:   false,
			ErrorKind: kind,
			Reason:    datatypes.UserMessage(cause),
		})
		return
	}
	switch entry.Status {
	case datatypes.EntryEscalated:
		// MANUAL strategy: no automatic retry will come.
		o.finish(ctx, job, datatypes.StageManualReview, &datatypes.JobResult{
			Success:   false,
			ErrorKind: kind,
			Reason:    datatypes.UserMessage(cause),
		})
		return
	case datatypes.EntryDiscarded:
		// NONE strategy: the entry is an audit record only, so the job
		// must close here rather than wait for a retry that never comes.
		o.finish(ctx, job, datatypes.StageFailedTerminal, &datatypes.JobResult{
			Success:   false,
			ErrorKind: kind,
			Reason:    datatypes.UserMessage(cause),
		})
		return
	}
	// Retryable failure: keep the job non-terminal so Resubmit can
	// resume it, but publish the setback to subscribers.
	o.publishMessage(ctx, job, fmt.Sprintf("stage %s failed, retry scheduled: %s",
		stage, datatypes.UserMessage(cause)))
}

// finish moves a job to a terminal stage and publishes the outcome.
func (o *Orchestrator) finish(ctx context.Context, job *datatypes.Job, terminal datatypes.Stage, result *datatypes.JobResult) {
	updated, err := o.jobs.Update(ctx, job.ID, func(j *datatypes.Job) error {
		if j.Stage.Terminal() {
			return ErrTerminal
		}
		j.Stage = terminal
		if result != nil {
			if j.Result != nil {
				// keep verified counts and warnings gathered earlier
				result.VerifiedCounts = j.Result.VerifiedCounts
				if len(result.Warnings) == 0 {
					result.Warnings = j.Result.Warnings
				}
			}
			j.Result = result
		}
		j.Heartbeat(time.Now().UTC())
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			o.logger.Error("persist terminal stage",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		return
	}
	if o.metrics != nil {
		o.metrics.JobsFinishedTotal.WithLabelValues(string(terminal)).Inc()
		o.metrics.ActiveJobs.Dec()
	}
	o.publish(ctx, updated, terminalMessage(terminal))
	o.logger.Info("job finished",
		slog.String("job_id", job.ID),
		slog.String("outcome", string(terminal)))
}

// startHeartbeat refreshes the job's liveness timestamp until the
// returned stop function is called.
func (o *Orchestrator) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_, err := o.jobs.Update(hbCtx, jobID, func(j *datatypes.Job) error {
					j.Heartbeat(time.Now().UTC())
					return nil
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Warn("heartbeat update failed",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) publish(ctx context.Context, job *datatypes.Job, message string) {
	percent := job.Stage.Percent()
	if job.Stage == datatypes.StageCompleted {
		percent = 100
	}
	o.publishUpdate(ctx, job, percent, message)
}

func (o *Orchestrator) publishMessage(ctx context.Context, job *datatypes.Job, message string) {
	o.publishUpdate(ctx, job, job.Stage.Percent(), message)
}

func (o *Orchestrator) publishUpdate(ctx context.Context, job *datatypes.Job, percent int, message string) {
	if o.progress == nil {
		return
	}
	update := datatypes.ProgressUpdate{
		JobID:   job.ID,
		Stage:   job.Stage,
		Percent: percent,
		Message: message,
		Metrics: map[string]int{
			"entities":      job.ExpectedCounts.Entities,
			"relationships": job.ExpectedCounts.Relationships,
			"citations":     job.ExpectedCounts.Citations,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := o.progress.Publish(ctx, update); err != nil {
		o.logger.Warn("progress publish failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

func stageMessage(stage datatypes.Stage) string {
	switch stage {
	case datatypes.StageTextExtracted:
		return "text extracted"
	case datatypes.StageEntitiesExtracted:
		return "entities extracted"
	case datatypes.StageGraphPopulated:
		return "graph populated"
	case datatypes.StageVerified:
		return "writes verified"
	case datatypes.StageIntegrityChecked:
		return "integrity checked"
	case datatypes.StageFinalized:
		return "finalized"
	}
	return string(stage)
}

func terminalMessage(stage datatypes.Stage) string {
	switch stage {
	case datatypes.StageCompleted:
		return "ingestion complete"
	case datatypes.StageCancelled:
		return "ingestion cancelled"
	case datatypes.StageManualReview:
		return "ingestion needs manual review"
	case datatypes.StageFailedTerminal:
		return "ingestion failed"
	}
	return string(stage)
}
