// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/dlq"
	"github.com/AleutianAI/GraphVault/services/ingest/graphstore"
	"github.com/AleutianAI/GraphVault/services/ingest/progress"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
	"github.com/AleutianAI/GraphVault/services/ingest/txn"
)

type fakeEntityExtractor struct {
	mu     sync.Mutex
	result *datatypes.ExtractionResult
	err    error
	calls  int
}

func (f *fakeEntityExtractor) ExtractEntities(ctx context.Context, jobID, sourceRef, text string) (*datatypes.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Stamp the job ID the way a real extractor would.
	out := &datatypes.ExtractionResult{}
	for _, e := range f.result.Entities {
		e.JobID = jobID
		out.Entities = append(out.Entities, e)
	}
	for _, r := range f.result.Relationships {
		r.JobID = jobID
		out.Relationships = append(out.Relationships, r)
	}
	for _, c := range f.result.Citations {
		c.JobID = jobID
		out.Citations = append(out.Citations, c)
	}
	return out, nil
}

func (f *fakeEntityExtractor) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func sampleExtraction() *datatypes.ExtractionResult {
	return &datatypes.ExtractionResult{
		Entities: []datatypes.Entity{
			{ID: "e1", Name: "Ada Lovelace", Canonical: "ada lovelace", Type: "person"},
			{ID: "e2", Name: "Analytical Engine", Canonical: "analytical engine", Type: "artifact"},
		},
		Relationships: []datatypes.Relationship{
			{ID: "r1", FromID: "e1", ToID: "e2", Predicate: "worked_on"},
		},
		Citations: []datatypes.Citation{
			{ID: "c1", EntityID: "e1", Quote: "Ada wrote the first program"},
		},
	}
}

type harness struct {
	orch      *Orchestrator
	jobs      JobStore
	graph     *graphstore.Memory
	extractor *fakeEntityExtractor
	queue     *dlq.Queue
	broadcast *progress.Broadcaster
	breakers  *breaker.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	})
	graph := graphstore.NewMemory()
	jobs := NewMemoryJobStore()
	queue := dlq.NewQueue(db, dlq.Config{BaseBackoff: time.Millisecond}, logger)
	broadcast := progress.NewBroadcaster(db, logger)
	extractor := &fakeEntityExtractor{result: sampleExtraction()}

	orch := NewOrchestrator(Deps{
		Jobs:     jobs,
		Text:     fileExtractor{},
		Entities: extractor,
		Graph:    graph,
		Txns:     txn.NewManager(breakers, logger),
		Breakers: breakers,
		Queue:    queue,
		Progress: broadcast,
		Logger:   logger,
	}, Config{MaxConcurrent: 2, HeartbeatInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})
	require.NoError(t, orch.Start(ctx))

	return &harness{
		orch:      orch,
		jobs:      jobs,
		graph:     graph,
		extractor: extractor,
		queue:     queue,
		broadcast: broadcast,
		breakers:  breakers,
	}
}

// fileExtractor is a minimal text extractor reading local files,
// avoiding an import cycle with the extract package's own tests.
type fileExtractor struct{}

func (fileExtractor) ExtractText(ctx context.Context, sourceRef string) (string, error) {
	data, err := os.ReadFile(sourceRef)
	if os.IsNotExist(err) {
		return "", datatypes.SourceGoneError("source file missing", err)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func waitForStage(t *testing.T, h *harness, jobID string, want datatypes.Stage) *datatypes.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.orch.Job(context.Background(), jobID)
		require.NoError(t, err)
		if job.Stage == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.orch.Job(context.Background(), jobID)
	t.Fatalf("job never reached %s, currently %s", want, job.Stage)
	return nil
}

func TestHappyPathCompletesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, writeDoc(t, "Ada wrote the first program."), 28)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StageReceived, job.Stage)

	done := waitForStage(t, h, job.ID, datatypes.StageCompleted)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)
	assert.Equal(t, datatypes.GraphCounts{Entities: 2, Relationships: 1, Citations: 1},
		done.Result.VerifiedCounts)

	counts, err := h.graph.ReadCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, counts.Matches(done.ExpectedCounts))
}

func TestProgressReachesSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, writeDoc(t, "text"), 4)
	require.NoError(t, err)
	waitForStage(t, h, job.ID, datatypes.StageCompleted)

	// Late subscriber still sees the final state from the cache.
	ch, cancel, err := h.broadcast.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer cancel()

	select {
	case update := <-ch:
		assert.Equal(t, datatypes.StageCompleted, update.Stage)
		assert.Equal(t, 100, update.Percent)
	case <-time.After(time.Second):
		t.Fatal("no catch-up update received")
	}
}

func TestSourceGoneFailsTerminally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "/nonexistent/missing.txt", 0)
	require.NoError(t, err)

	done := waitForStage(t, h, job.ID, datatypes.StageFailedTerminal)
	require.NotNil(t, done.Result)
	assert.Equal(t, datatypes.KindSourceGone, done.Result.ErrorKind)

	// Unrecoverable failures must not occupy the retry queue.
	status, err := h.queue.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Depth)
}

func TestValidationFailureGoesToManualReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.setError(datatypes.ValidationError("model produced garbage", nil))

	job, err := h.orch.Submit(ctx, writeDoc(t, "text"), 4)
	require.NoError(t, err)

	done := waitForStage(t, h, job.ID, datatypes.StageManualReview)
	assert.Equal(t, datatypes.KindValidation, done.Result.ErrorKind)

	entries, err := h.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, datatypes.EntryEscalated, entries[0].Status)
}

func TestForcedRetryReopensManualReviewJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.setError(datatypes.ValidationError("model produced garbage", nil))

	job, err := h.orch.Submit(ctx, writeDoc(t, "Ada wrote the first program."), 28)
	require.NoError(t, err)
	waitForStage(t, h, job.ID, datatypes.StageManualReview)

	entries, err := h.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, datatypes.StageEntitiesExtracted, entries[0].Stage)

	// Operator clears the fault and forces the retry. The forced entry
	// must be claimable despite its MANUAL strategy.
	h.extractor.setError(nil)
	forced, err := h.queue.ForceRetry(ctx, entries[0].ID)
	require.NoError(t, err)

	claimed, err := h.queue.ClaimDue(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Resubmission reopens the parked job from the stage before the
	// failure and drives it to completion.
	require.NoError(t, h.orch.Resubmit(ctx, forced))

	done := waitForStage(t, h, job.ID, datatypes.StageCompleted)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)
	assert.Equal(t, 2, done.AttemptCount)
}

func TestResubmitLeavesCompletedJobsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, writeDoc(t, "text"), 4)
	require.NoError(t, err)
	done := waitForStage(t, h, job.ID, datatypes.StageCompleted)

	entry := &datatypes.DeadLetterEntry{
		JobID: job.ID,
		Stage: datatypes.StageEntitiesExtracted,
	}
	require.NoError(t, h.orch.Resubmit(ctx, entry))

	after, err := h.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StageCompleted, after.Stage)
	assert.Equal(t, done.AttemptCount, after.AttemptCount)
}

func TestConnectionFailureDeadLettersAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.setError(datatypes.ConnectionError("extractor down", nil))

	job, err := h.orch.Submit(ctx, writeDoc(t, "Ada wrote the first program."), 28)
	require.NoError(t, err)

	// Wait for the dead-letter entry; the job stays resumable.
	var entry *datatypes.DeadLetterEntry
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := h.queue.List(ctx)
		require.NoError(t, err)
		if len(entries) == 1 {
			entry = entries[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, entry, "no dead-letter entry created")
	assert.Equal(t, datatypes.StageEntitiesExtracted, entry.Stage)

	current, err := h.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, current.Stage.Terminal())
	assert.Equal(t, datatypes.StageTextExtracted, current.Stage)

	// Dependency recovers; resubmission resumes from the failed stage.
	h.extractor.setError(nil)
	require.NoError(t, h.orch.Resubmit(ctx, entry))

	done := waitForStage(t, h, job.ID, datatypes.StageCompleted)
	assert.True(t, done.Result.Success)
	assert.Equal(t, 2, done.AttemptCount)
}

func TestCancelHonoredAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Block extraction until cancel lands.
	release := make(chan struct{})
	h.extractor.setError(nil)
	blocking := &blockingExtractor{
		inner:   h.extractor,
		release: release,
		started: make(chan struct{}, 1),
	}
	h.orch.entities = blocking

	job, err := h.orch.Submit(ctx, writeDoc(t, "text"), 4)
	require.NoError(t, err)

	select {
	case <-blocking.started:
	case <-time.After(3 * time.Second):
		t.Fatal("extraction never started")
	}
	require.NoError(t, h.orch.Cancel(ctx, job.ID))
	close(release)

	done := waitForStage(t, h, job.ID, datatypes.StageCancelled)
	assert.Equal(t, datatypes.KindCancelled, done.Result.ErrorKind)
	assert.False(t, done.Result.Success)
}

func TestCancelTerminalJobFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, writeDoc(t, "text"), 4)
	require.NoError(t, err)
	waitForStage(t, h, job.ID, datatypes.StageCompleted)

	err = h.orch.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestMarkStuckRecordsUnreachedStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &datatypes.Job{
		ID:              "stalled-1",
		SourceRef:       writeDoc(t, "text"),
		Stage:           datatypes.StageTextExtracted,
		StartedAt:       now.Add(-time.Hour),
		LastHeartbeatAt: now.Add(-time.Hour),
		AttemptCount:    3,
	}
	require.NoError(t, h.jobs.Create(ctx, job))

	require.NoError(t, h.orch.MarkStuck(ctx, job.ID))

	after, err := h.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StageManualReview, after.Stage)

	// The entry names the stage the job never reached, so a forced
	// retry later resumes from the stage it stalled at.
	entries, err := h.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, datatypes.StageEntitiesExtracted, entries[0].Stage)
	assert.Equal(t, datatypes.EntryEscalated, entries[0].Status)
}

func TestCrashRecoveryResumesNonTerminalJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a job persisted mid-pipeline by a crashed process.
	now := time.Now().UTC()
	job := &datatypes.Job{
		ID:              "resurrect-1",
		SourceRef:       writeDoc(t, "Ada wrote the first program."),
		Stage:           datatypes.StageReceived,
		StartedAt:       now,
		LastHeartbeatAt: now,
		AttemptCount:    1,
	}
	require.NoError(t, h.jobs.Create(ctx, job))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.orch.Start(runCtx))

	done := waitForStage(t, h, job.ID, datatypes.StageCompleted)
	assert.True(t, done.Result.Success)
}

// blockingExtractor parks ExtractEntities until released, so tests can
// interleave cancellation with an in-flight stage.
type blockingExtractor struct {
	inner   *fakeEntityExtractor
	release chan struct{}
	started chan struct{}
}

func (b *blockingExtractor) ExtractEntities(ctx context.Context, jobID, sourceRef, text string) (*datatypes.ExtractionResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return b.inner.ExtractEntities(ctx, jobID, sourceRef, text)
}
