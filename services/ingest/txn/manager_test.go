// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// opRecorder tracks apply/undo ordering across operations.
type opRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *opRecorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *opRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestManager() *Manager {
	return NewManager(breaker.NewRegistry(breaker.DefaultConfig()), nil)
}

func makeOp(rec *opRecorder, id string, applyErr, undoErr error) Operation {
	return Operation{
		ID:   id,
		Kind: "entity",
		Apply: func(ctx context.Context) error {
			if applyErr != nil {
				return applyErr
			}
			rec.add("apply:" + id)
			return nil
		},
		Undo: func(ctx context.Context) error {
			if undoErr != nil {
				return undoErr
			}
			rec.add("undo:" + id)
			return nil
		},
	}
}

func TestRunCommitsAllOperations(t *testing.T) {
	rec := &opRecorder{}
	ops := []Operation{
		makeOp(rec, "op-1", nil, nil),
		makeOp(rec, "op-2", nil, nil),
		makeOp(rec, "op-3", nil, nil),
	}

	result, err := newTestManager().Run(context.Background(), "j-1", ops)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCommitted {
		t.Errorf("status = %s, want %s", result.Status, StatusCommitted)
	}
	if len(result.AppliedOps) != 3 {
		t.Errorf("applied %d ops, want 3", len(result.AppliedOps))
	}

	want := []string{"apply:op-1", "apply:op-2", "apply:op-3"}
	got := rec.all()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunRollsBackInReverseOrder(t *testing.T) {
	rec := &opRecorder{}
	failure := datatypes.ConnectionError("write refused", nil)
	ops := []Operation{
		makeOp(rec, "op-1", nil, nil),
		makeOp(rec, "op-2", nil, nil),
		makeOp(rec, "op-3", failure, nil),
	}

	result, err := newTestManager().Run(context.Background(), "j-1", ops)
	if err == nil {
		t.Fatal("expected error from failed transaction")
	}
	if datatypes.Classify(err) != datatypes.KindConnection {
		t.Errorf("error classified %s, want original connection kind", datatypes.Classify(err))
	}
	if result.Status != StatusRolledBack {
		t.Errorf("status = %s, want %s", result.Status, StatusRolledBack)
	}
	if result.FailedOp != "op-3" {
		t.Errorf("failed op = %s, want op-3", result.FailedOp)
	}

	want := []string{"apply:op-1", "apply:op-2", "undo:op-2", "undo:op-1"}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunReportsRollbackFailureAsEscalation(t *testing.T) {
	rec := &opRecorder{}
	ops := []Operation{
		makeOp(rec, "op-1", nil, errors.New("undo exploded")),
		makeOp(rec, "op-2", datatypes.ConnectionError("write refused", nil), nil),
	}

	result, err := newTestManager().Run(context.Background(), "j-1", ops)
	if err == nil {
		t.Fatal("expected error")
	}
	// Rollback failure outranks the original connection error.
	if datatypes.Classify(err) != datatypes.KindRollback {
		t.Errorf("error classified %s, want %s", datatypes.Classify(err), datatypes.KindRollback)
	}
	if result.RollbackErr == nil {
		t.Error("RollbackErr not recorded")
	}
	if result.Status != StatusRolledBack {
		t.Errorf("status = %s, want %s", result.Status, StatusRolledBack)
	}
}

func TestRunNeverLeavesTransactionOpen(t *testing.T) {
	rec := &opRecorder{}
	cases := [][]Operation{
		{makeOp(rec, "ok", nil, nil)},
		{makeOp(rec, "fail", errors.New("boom"), nil)},
		{makeOp(rec, "ok", nil, nil), makeOp(rec, "fail", errors.New("boom"), nil)},
	}
	for i, ops := range cases {
		result, _ := newTestManager().Run(context.Background(), "j-1", ops)
		if result.Status == StatusOpen {
			t.Errorf("case %d: transaction left OPEN", i)
		}
	}
}

func TestRunCancelledContextStillRollsBack(t *testing.T) {
	rec := &opRecorder{}
	ctx, cancel := context.WithCancel(context.Background())

	ops := []Operation{
		makeOp(rec, "op-1", nil, nil),
		{
			ID:   "op-2",
			Kind: "entity",
			Apply: func(ctx context.Context) error {
				rec.add("apply:op-2")
				cancel() // cancellation races the transaction
				return nil
			},
			Undo: func(ctx context.Context) error {
				rec.add("undo:op-2")
				return nil
			},
		},
		makeOp(rec, "op-3", nil, nil),
	}

	result, err := newTestManager().Run(ctx, "j-1", ops)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if datatypes.Classify(err) != datatypes.KindCancelled {
		t.Errorf("error classified %s, want %s", datatypes.Classify(err), datatypes.KindCancelled)
	}
	if result.Status != StatusRolledBack {
		t.Errorf("status = %s, want %s", result.Status, StatusRolledBack)
	}

	// Applied work was undone despite the cancelled caller context.
	got := rec.all()
	want := []string{"apply:op-1", "apply:op-2", "undo:op-2", "undo:op-1"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunRoutesThroughBreaker(t *testing.T) {
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	registry.Configure("store", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	manager := NewManager(registry, nil)

	failing := Operation{
		ID:         "op-1",
		Kind:       "entity",
		Dependency: "store",
		Apply: func(ctx context.Context) error {
			return datatypes.ConnectionError("dial refused", nil)
		},
		Undo: func(ctx context.Context) error { return nil },
	}
	_, _ = manager.Run(context.Background(), "j-1", []Operation{failing})

	if registry.Get("store").State() != breaker.Open {
		t.Error("operation failure did not reach the breaker")
	}

	// With the breaker open the next transaction fails fast, and the
	// circuit-open error rolls back like any other failure.
	invoked := false
	rec := &opRecorder{}
	ops := []Operation{
		makeOp(rec, "op-a", nil, nil),
		{
			ID:         "op-b",
			Kind:       "entity",
			Dependency: "store",
			Apply: func(ctx context.Context) error {
				invoked = true
				return nil
			},
			Undo: func(ctx context.Context) error { return nil },
		},
	}
	result, err := manager.Run(context.Background(), "j-1", ops)
	if invoked {
		t.Error("open breaker let the operation through")
	}
	if datatypes.Classify(err) != datatypes.KindCircuitOpen {
		t.Errorf("error classified %s, want %s", datatypes.Classify(err), datatypes.KindCircuitOpen)
	}
	if result.Status != StatusRolledBack {
		t.Errorf("status = %s, want %s", result.Status, StatusRolledBack)
	}
	if len(rec.all()) != 2 || rec.all()[1] != "undo:op-a" {
		t.Errorf("events = %v, want apply then undo of op-a", rec.all())
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	rec := &opRecorder{}
	ops := []Operation{
		makeOp(rec, "op-1", nil, nil),
		{
			ID:    "op-2",
			Kind:  "entity",
			Apply: func(ctx context.Context) error { panic("boom") },
			Undo:  func(ctx context.Context) error { return nil },
		},
	}

	result, err := newTestManager().Run(context.Background(), "j-1", ops)
	if err == nil {
		t.Fatal("expected error from panicking operation")
	}
	if result.Status != StatusRolledBack {
		t.Errorf("status = %s, want %s", result.Status, StatusRolledBack)
	}
	events := rec.all()
	if len(events) != 2 || events[1] != "undo:op-1" {
		t.Errorf("events = %v, want apply:op-1 then undo:op-1", events)
	}
}
