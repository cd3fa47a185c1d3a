// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// Stage is a job's position in the ingestion pipeline.
//
// Stages are strictly ordered; a job advances one stage at a time or
// stops in a terminal stage. The string values are stable and appear in
// the API and in persisted records.
type Stage string

const (
	// StageReceived means the input handle has been validated.
	StageReceived Stage = "RECEIVED"

	// StageTextExtracted means raw text has been produced.
	StageTextExtracted Stage = "TEXT_EXTRACTED"

	// StageEntitiesExtracted means candidate entities, relationships,
	// and citations exist and expected counts are recorded.
	StageEntitiesExtracted Stage = "ENTITIES_EXTRACTED"

	// StageGraphPopulated means all graph writes committed atomically.
	StageGraphPopulated Stage = "GRAPH_POPULATED"

	// StageVerified means observed store counts match expected counts.
	StageVerified Stage = "VERIFIED"

	// StageIntegrityChecked means structural checks ran (violations may
	// have been repaired or downgraded to warnings).
	StageIntegrityChecked Stage = "INTEGRITY_CHECKED"

	// StageFinalized means 100% progress was emitted; transitions
	// immediately to StageCompleted.
	StageFinalized Stage = "FINALIZED"

	// StageCompleted is the successful terminal stage.
	StageCompleted Stage = "COMPLETED"

	// StageFailedTerminal is the unrecoverable-failure terminal stage.
	StageFailedTerminal Stage = "FAILED_TERMINAL"

	// StageManualReview is the terminal stage for work parked in the
	// dead-letter queue's manual-review list.
	StageManualReview Stage = "MANUAL_REVIEW"

	// StageCancelled is the terminal stage for cooperative cancellation.
	StageCancelled Stage = "CANCELLED"
)

// pipelineOrder is the forward execution order of the working stages.
var pipelineOrder = []Stage{
	StageReceived,
	StageTextExtracted,
	StageEntitiesExtracted,
	StageGraphPopulated,
	StageVerified,
	StageIntegrityChecked,
	StageFinalized,
}

// stagePercent maps each stage to the progress percent reported when
// the stage completes. Percents are monotonically non-decreasing.
var stagePercent = map[Stage]int{
	StageReceived:          10,
	StageTextExtracted:     25,
	StageEntitiesExtracted: 50,
	StageGraphPopulated:    75,
	StageVerified:          90,
	StageIntegrityChecked:  95,
	StageFinalized:         100,
}

// PipelineStages returns the working stages in execution order.
func PipelineStages() []Stage {
	out := make([]Stage, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

// Percent returns the progress percent reported when s completes.
// Terminal stages report the percent of the last completed stage, so
// they return 0 here and the caller keeps its last value.
func (s Stage) Percent() int {
	return stagePercent[s]
}

// Terminal reports whether s is a terminal stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailedTerminal, StageManualReview, StageCancelled:
		return true
	}
	return false
}

// Next returns the stage after s in pipeline order. The second return
// is false when s is the last working stage or not a working stage.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range pipelineOrder {
		if stage == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// Prev returns the stage before s in pipeline order. The second return
// is false when s is the first working stage or not a working stage.
func (s Stage) Prev() (Stage, bool) {
	for i, stage := range pipelineOrder {
		if stage == s && i > 0 {
			return pipelineOrder[i-1], true
		}
	}
	return "", false
}

// ExpectedCounts records how many knowledge objects the extraction
// stage produced, used by verification to detect lost writes.
type ExpectedCounts struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Citations     int `json:"citations"`
}

// Total returns the sum of all expected objects.
func (c ExpectedCounts) Total() int {
	return c.Entities + c.Relationships + c.Citations
}

// JobResult is the success payload or classified failure of a job.
type JobResult struct {
	// Success is true when the job completed.
	Success bool `json:"success"`

	// ErrorKind is the classification of the terminal failure, empty on
	// success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Reason is the human-readable failure reason shown by job_status.
	// Never a raw internal error.
	Reason string `json:"reason,omitempty"`

	// VerifiedCounts is what verification observed in the store.
	VerifiedCounts GraphCounts `json:"verified_counts"`

	// Warnings lists integrity checks that were downgraded rather than
	// blocking finalization.
	Warnings []string `json:"warnings,omitempty"`
}

// Job is one document's journey through the pipeline.
//
// A Job is mutated only by the pipeline orchestrator (stage, heartbeat)
// and flagged by the health monitor on heartbeat timeout. Jobs are
// never deleted by this service; the external catalog owns retention.
type Job struct {
	// ID is the opaque unique job identifier.
	ID string `json:"job_id"`

	// SourceRef is the handle to the uploaded document, owned by the
	// ingress collaborator. This service never parses file formats.
	SourceRef string `json:"source_ref"`

	// DeclaredSize is the byte size declared at ingress.
	DeclaredSize int64 `json:"declared_size"`

	// Stage is the job's current pipeline stage.
	Stage Stage `json:"stage"`

	// StartedAt is when the job was accepted.
	StartedAt time.Time `json:"started_at"`

	// LastHeartbeatAt proves the job is still actively progressing.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// AttemptCount counts pipeline attempts including resumes.
	AttemptCount int `json:"attempt_count"`

	// CancelRequested marks a cooperative cancellation request; honored
	// at the next stage boundary.
	CancelRequested bool `json:"cancel_requested"`

	// ExpectedCounts is recorded when extraction completes.
	ExpectedCounts ExpectedCounts `json:"expected_counts"`

	// Result is populated when the job reaches a terminal stage.
	Result *JobResult `json:"result,omitempty"`
}

// Heartbeat updates the liveness timestamp.
func (j *Job) Heartbeat(now time.Time) {
	j.LastHeartbeatAt = now
}

// Stuck reports whether the job is non-terminal and has not heartbeat
// within timeout.
func (j *Job) Stuck(now time.Time, timeout time.Duration) bool {
	if j.Stage.Terminal() {
		return false
	}
	return now.Sub(j.LastHeartbeatAt) > timeout
}
