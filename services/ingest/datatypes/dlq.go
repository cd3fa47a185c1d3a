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

// EntryStatus is the lifecycle state of a dead-letter entry.
type EntryStatus string

const (
	// EntryPending means the entry is waiting for its retry time.
	EntryPending EntryStatus = "PENDING"

	// EntryRetrying means the retry worker has claimed the entry and a
	// resubmission is in flight.
	EntryRetrying EntryStatus = "RETRYING"

	// EntryResolved means a retry succeeded. Resolved entries stay
	// listed for the operator until retention pruning removes them.
	EntryResolved EntryStatus = "RESOLVED"

	// EntryEscalated means attempts are exhausted, or the failure was
	// classified MANUAL; the entry sits in the manual-review list.
	EntryEscalated EntryStatus = "ESCALATED"

	// EntryDiscarded means the failure's strategy is NONE: the entry is
	// kept as an audit record but awaits neither retry nor review.
	EntryDiscarded EntryStatus = "DISCARDED"
)

// DeadLetterEntry is a failed job fragment queued for retry.
//
// Entries are durable: they persist across process restarts so a crash
// never silently loses failed work.
type DeadLetterEntry struct {
	// ID is the unique entry identifier.
	ID string `json:"entry_id"`

	// JobID is the job whose stage failed.
	JobID string `json:"job_id"`

	// Stage is the pipeline stage that failed to complete. A retry
	// resumes the job from the stage before it.
	Stage Stage `json:"stage"`

	// Payload is the stage input needed to resubmit (JSON document).
	Payload []byte `json:"payload,omitempty"`

	// ErrorKind is the failure classification chosen at enqueue time.
	ErrorKind ErrorKind `json:"error_kind"`

	// Strategy is derived from ErrorKind via StrategyFor.
	Strategy RetryStrategy `json:"retry_strategy"`

	// LastError is the operator-safe description of the latest failure.
	LastError string `json:"last_error"`

	// Attempts counts retries performed so far.
	Attempts int `json:"attempts"`

	// MaxAttempts bounds automatic retries before escalation.
	MaxAttempts int `json:"max_attempts"`

	// NextRetryAt is when the entry next becomes due. Zero for MANUAL
	// and NONE strategies.
	NextRetryAt time.Time `json:"next_retry_at"`

	// Forced marks an operator-forced retry. A forced entry is due
	// regardless of strategy, so MANUAL and escalated entries can be
	// pushed back through the pipeline.
	Forced bool `json:"forced,omitempty"`

	Status EntryStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the entry is eligible for retry at now. An
// operator-forced entry is due whatever its strategy; otherwise only
// the scheduled strategies ever become due.
func (e *DeadLetterEntry) Due(now time.Time) bool {
	if e.Status != EntryPending {
		return false
	}
	if e.Forced {
		return !e.NextRetryAt.After(now)
	}
	switch e.Strategy {
	case RetryExponential, RetryLinear:
		return !e.NextRetryAt.After(now)
	}
	return false
}

// Exhausted reports whether automatic retries are used up.
func (e *DeadLetterEntry) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// DLQStatus is the operator-facing queue summary.
type DLQStatus struct {
	Depth     int                 `json:"depth"`
	ByStatus  map[EntryStatus]int `json:"by_status"`
	ByKind    map[ErrorKind]int   `json:"by_kind"`
	OldestAge time.Duration       `json:"oldest_age"`
}
