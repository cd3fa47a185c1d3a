// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package txn coordinates multi-step graph writes as atomic units.
//
// # Description
//
// A transaction is an ordered list of reversible operations. Operations
// apply strictly in order; when operation k fails, operations k-1..0
// are undone in strict reverse order before control returns. A
// transaction is never left OPEN once Run returns: its status is
// COMMITTED or ROLLED_BACK.
//
// Rollback failures are never swallowed. A secondary failure while
// undoing is reported as a distinct rollback-class error that callers
// must escalate to manual review, since retrying a half-undone
// transaction is unsafe.
//
// # Thread Safety
//
// A Manager is stateless between calls and safe for concurrent use;
// each Run owns its transaction.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// Status is the lifecycle state of one transaction.
type Status string

const (
	// StatusOpen means operations are executing.
	StatusOpen Status = "OPEN"

	// StatusCommitted means every operation applied.
	StatusCommitted Status = "COMMITTED"

	// StatusRolledBack means a failure occurred and applied operations
	// were undone (or undo was attempted; see Result.RollbackErr).
	StatusRolledBack Status = "ROLLED_BACK"
)

// Operation is one reversible unit of work inside a transaction.
type Operation struct {
	// ID identifies the operation in results and logs.
	ID string

	// Kind names the object class being written (entity, relationship,
	// citation).
	Kind string

	// Description is a short human-readable summary for logs.
	Description string

	// Dependency, when non-empty, routes Apply through the named
	// circuit breaker.
	Dependency string

	// Apply performs the write.
	Apply func(ctx context.Context) error

	// Undo reverses a successful Apply. It must succeed when the write
	// never landed (deletes of absent objects are not errors).
	Undo func(ctx context.Context) error
}

// Result describes a finished transaction.
type Result struct {
	// TxID is the unique transaction identifier.
	TxID string

	// Status is COMMITTED or ROLLED_BACK.
	Status Status

	// AppliedOps lists operation IDs that applied, in apply order.
	AppliedOps []string

	// FailedOp is the ID of the operation that failed, if any.
	FailedOp string

	// RollbackErr is the secondary failure hit while undoing, if any.
	RollbackErr error

	// Duration is wall-clock time for the whole transaction.
	Duration time.Duration
}

// Manager runs transactions. Operations that name a Dependency are
// executed under that dependency's circuit breaker.
type Manager struct {
	breakers        *breaker.Registry
	logger          *slog.Logger
	rollbackTimeout time.Duration
}

// NewManager creates a transaction manager.
//
// Inputs:
//   - breakers: shared breaker registry; must not be nil.
//   - logger: optional; slog.Default() when nil.
func NewManager(breakers *breaker.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		breakers:        breakers,
		logger:          logger.With("component", "txn.Manager"),
		rollbackTimeout: 30 * time.Second,
	}
}

// Run executes operations strictly in order as one atomic unit.
//
// On success every operation applied and err is nil. On failure the
// returned error is the original operation error; when undoing also
// failed, the returned error is rollback-class (wrapping the original)
// and Result.RollbackErr carries the secondary failure. Cancellation
// of ctx stops new applies but never interrupts rollback: a cancelled
// transaction still completes its undo pass before returning.
func (m *Manager) Run(ctx context.Context, jobID string, ops []Operation) (result Result, err error) {
	start := time.Now()
	result = Result{
		TxID:   uuid.New().String(),
		Status: StatusOpen,
	}
	logger := m.logger.With("tx_id", result.TxID, "job_id", jobID)

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic in transaction: %v", r)
			logger.Error("panic during transaction", "panic", r)
			err = m.rollback(logger, &result, panicErr, ops)
		}
	}()

	logger.Info("transaction started", "operations", len(ops))

	for i, op := range ops {
		if ctxErr := ctx.Err(); ctxErr != nil {
			cancelErr := datatypes.NewError(datatypes.KindCancelled,
				"transaction cancelled before operation "+op.ID, ctxErr)
			return m.finishRollback(logger, &result, cancelErr, ops)
		}

		applyErr := m.apply(ctx, op)
		if applyErr != nil {
			result.FailedOp = op.ID
			logger.Warn("operation failed",
				"op_id", op.ID,
				"op_index", i,
				"kind", op.Kind,
				"error", applyErr.Error())
			return m.finishRollback(logger, &result, applyErr, ops)
		}
		result.AppliedOps = append(result.AppliedOps, op.ID)
	}

	result.Status = StatusCommitted
	logger.Info("transaction committed",
		"operations", len(result.AppliedOps),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// apply runs one operation, through the breaker when one is named.
func (m *Manager) apply(ctx context.Context, op Operation) error {
	if op.Dependency == "" {
		return op.Apply(ctx)
	}
	return m.breakers.Execute(ctx, op.Dependency, op.Apply)
}

// finishRollback is the non-panic path into rollback, returning the
// error Run should propagate.
func (m *Manager) finishRollback(logger *slog.Logger, result *Result, cause error, ops []Operation) (Result, error) {
	err := m.rollback(logger, result, cause, ops)
	return *result, err
}

// rollback undoes applied operations in strict reverse order.
//
// Undo runs on a context detached from the caller's cancellation, with
// its own timeout, so a cancelled job still unwinds cleanly. Undo
// calls bypass the breaker: a tripped breaker must not strand a
// half-applied transaction, and if the dependency is truly down the
// undo failure escalates anyway.
func (m *Manager) rollback(logger *slog.Logger, result *Result, cause error, ops []Operation) error {
	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), m.rollbackTimeout)
	defer cancel()

	byID := make(map[string]Operation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	var rollbackErr error
	for i := len(result.AppliedOps) - 1; i >= 0; i-- {
		opID := result.AppliedOps[i]
		op := byID[opID]
		if err := op.Undo(undoCtx); err != nil {
			rollbackErr = fmt.Errorf("undoing operation %s: %w", opID, err)
			logger.Error("rollback failed",
				"op_id", opID,
				"error", err.Error())
			break
		}
	}

	result.Status = StatusRolledBack
	result.RollbackErr = rollbackErr

	if rollbackErr != nil {
		// A half-undone transaction must reach manual review, never an
		// automatic retry.
		return datatypes.RollbackError(
			fmt.Sprintf("rollback incomplete after failure (%s)", datatypes.UserMessage(cause)),
			cause)
	}

	logger.Info("transaction rolled back",
		"undone_operations", len(result.AppliedOps),
		"cause", datatypes.UserMessage(cause))
	return cause
}
