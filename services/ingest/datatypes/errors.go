// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared data model of the ingest service:
// jobs, operations, dead-letter entries, progress updates, knowledge
// payloads, and the error taxonomy that drives retry policy.
//
// All retry and backoff policy lives in the classification table here.
// Callers classify and enqueue; they never implement their own backoff
// loops.
package datatypes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies a failure for retry-policy purposes.
//
// The kind, not the concrete error type, decides what happens next:
// which retry strategy the dead-letter queue applies, whether the
// circuit breaker counts the failure, and what subscribers see.
type ErrorKind string

const (
	// KindConnection means the downstream dependency was unreachable.
	// Retried with exponential backoff; counts toward the breaker.
	KindConnection ErrorKind = "connection"

	// KindTimeout means a call exceeded its deadline.
	// Retried on a fixed linear interval.
	KindTimeout ErrorKind = "timeout"

	// KindValidation means the payload was malformed or failed schema
	// checks. Never auto-retried; requires an operator or upstream fix.
	KindValidation ErrorKind = "validation"

	// KindIntegrity means a post-write consistency check failed.
	// One auto-repair pass is attempted, then manual review.
	KindIntegrity ErrorKind = "integrity"

	// KindCircuitOpen is the fast-fail returned while a breaker is OPEN.
	// Retried with exponential backoff but never counted by the breaker
	// itself, avoiding a feedback loop.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindCancelled is cooperative cancellation. Not retried.
	KindCancelled ErrorKind = "cancelled"

	// KindSourceGone means the upstream source no longer exists.
	// Not retried; the job is terminally failed.
	KindSourceGone ErrorKind = "source_gone"

	// KindRollback means a secondary failure occurred while undoing a
	// transaction. Always escalated to manual review regardless of the
	// original error's class; retrying a half-undone transaction is
	// unsafe.
	KindRollback ErrorKind = "rollback"

	// KindUnknown is anything not otherwise classified. Treated as
	// transient and retried with exponential backoff.
	KindUnknown ErrorKind = "unknown"
)

// RetryStrategy names the dead-letter queue's scheduling policy for a
// failed unit of work.
type RetryStrategy string

const (
	// RetryExponential schedules next_retry_at = now + base * 2^attempts.
	RetryExponential RetryStrategy = "EXPONENTIAL"

	// RetryLinear schedules next_retry_at = now + fixed interval.
	RetryLinear RetryStrategy = "LINEAR"

	// RetryManual parks the entry for operator review; never auto-retried.
	RetryManual RetryStrategy = "MANUAL"

	// RetryNone discards the entry after logging.
	RetryNone RetryStrategy = "NONE"
)

// StrategyFor returns the retry strategy for an error kind.
//
// This is the single classification table for the whole service.
func StrategyFor(kind ErrorKind) RetryStrategy {
	switch kind {
	case KindConnection, KindCircuitOpen, KindUnknown:
		return RetryExponential
	case KindTimeout:
		return RetryLinear
	case KindValidation, KindIntegrity, KindRollback:
		return RetryManual
	case KindCancelled, KindSourceGone:
		return RetryNone
	default:
		return RetryManual
	}
}

// ClassifiedError is an error carrying its taxonomy kind.
//
// Components wrap failures at the point where the kind is known, so the
// orchestrator boundary can classify without inspecting internals.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError creates a ClassifiedError of the given kind.
func NewError(kind ErrorKind, message string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Err: err}
}

// ConnectionError wraps err as a connection-class failure.
func ConnectionError(message string, err error) *ClassifiedError {
	return NewError(KindConnection, message, err)
}

// TimeoutError wraps err as a timeout-class failure.
func TimeoutError(message string, err error) *ClassifiedError {
	return NewError(KindTimeout, message, err)
}

// ValidationError wraps err as a validation failure.
func ValidationError(message string, err error) *ClassifiedError {
	return NewError(KindValidation, message, err)
}

// IntegrityError wraps err as a post-write consistency failure.
func IntegrityError(message string, err error) *ClassifiedError {
	return NewError(KindIntegrity, message, err)
}

// SourceGoneError wraps err as an unrecoverable missing-source failure.
func SourceGoneError(message string, err error) *ClassifiedError {
	return NewError(KindSourceGone, message, err)
}

// RollbackError wraps err as a rollback failure. The original error is
// preserved in the chain so job_status can report both.
func RollbackError(message string, err error) *ClassifiedError {
	return NewError(KindRollback, message, err)
}

// Classify maps an arbitrary error to its taxonomy kind.
//
// Explicitly classified errors win. Context cancellation and deadline
// errors map to their kinds, network errors to connection or timeout,
// and missing files to source-gone. Everything else is KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindSourceGone
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindUnknown
}

// UserMessage returns the operator-safe description for an error.
//
// Raw internal errors are never shown to progress subscribers; only the
// classified kind and a short message are.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return fmt.Sprintf("%s: %s", classified.Kind, classified.Message)
	}
	return string(Classify(err))
}
