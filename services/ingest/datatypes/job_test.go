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
	"testing"
	"time"
)

func TestStageOrderAndPercents(t *testing.T) {
	stages := PipelineStages()
	if len(stages) != 7 {
		t.Fatalf("expected 7 working stages, got %d", len(stages))
	}

	last := -1
	for _, stage := range stages {
		pct := stage.Percent()
		if pct <= last {
			t.Errorf("stage %s percent %d not increasing (previous %d)", stage, pct, last)
		}
		last = pct
	}
	if stages[len(stages)-1] != StageFinalized || last != 100 {
		t.Errorf("pipeline must end at FINALIZED/100, got %s/%d", stages[len(stages)-1], last)
	}
}

func TestStageNext(t *testing.T) {
	next, ok := StageReceived.Next()
	if !ok || next != StageTextExtracted {
		t.Errorf("StageReceived.Next() = %s, %v", next, ok)
	}

	if _, ok := StageFinalized.Next(); ok {
		t.Error("StageFinalized must have no next stage")
	}
	if _, ok := StageCompleted.Next(); ok {
		t.Error("terminal stages must have no next stage")
	}
}

func TestStagePrev(t *testing.T) {
	prev, ok := StageTextExtracted.Prev()
	if !ok || prev != StageReceived {
		t.Errorf("StageTextExtracted.Prev() = %s, %v", prev, ok)
	}

	if _, ok := StageReceived.Prev(); ok {
		t.Error("StageReceived must have no previous stage")
	}
	if _, ok := StageCompleted.Prev(); ok {
		t.Error("terminal stages must have no previous stage")
	}
}

func TestStageTerminal(t *testing.T) {
	for _, stage := range PipelineStages() {
		if stage.Terminal() {
			t.Errorf("working stage %s reported terminal", stage)
		}
	}
	for _, stage := range []Stage{StageCompleted, StageFailedTerminal, StageManualReview, StageCancelled} {
		if !stage.Terminal() {
			t.Errorf("stage %s should be terminal", stage)
		}
	}
}

func TestJobStuck(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:              "j-1",
		Stage:           StageTextExtracted,
		LastHeartbeatAt: now.Add(-10 * time.Minute),
	}

	if !job.Stuck(now, 5*time.Minute) {
		t.Error("job past heartbeat timeout should be stuck")
	}

	job.Heartbeat(now)
	if job.Stuck(now, 5*time.Minute) {
		t.Error("freshly heartbeated job should not be stuck")
	}

	job.Stage = StageCompleted
	job.LastHeartbeatAt = now.Add(-time.Hour)
	if job.Stuck(now, 5*time.Minute) {
		t.Error("terminal job is never stuck")
	}
}

func TestExtractionResultValidate(t *testing.T) {
	good := ExtractionResult{
		Entities: []Entity{
			{ID: "e1", Name: "Ada Lovelace", Canonical: "ada lovelace", Type: "person", JobID: "j-1"},
			{ID: "e2", Name: "Analytical Engine", Canonical: "analytical engine", Type: "artifact", JobID: "j-1"},
		},
		Relationships: []Relationship{
			{ID: "r1", FromID: "e1", ToID: "e2", Predicate: "designed_for", JobID: "j-1"},
		},
		Citations: []Citation{
			{ID: "c1", EntityID: "e1", Quote: "Ada Lovelace wrote...", JobID: "j-1"},
		},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}

	dangling := good
	dangling.Relationships = []Relationship{
		{ID: "r2", FromID: "e1", ToID: "missing", Predicate: "cites", JobID: "j-1"},
	}
	err := dangling.Validate()
	if err == nil {
		t.Fatal("dangling relationship accepted")
	}
	if Classify(err) != KindValidation {
		t.Errorf("dangling relationship classified %s, want %s", Classify(err), KindValidation)
	}
}

func TestCanonicalName(t *testing.T) {
	if got := CanonicalName("  Ada   LOVELACE "); got != "ada lovelace" {
		t.Errorf("CanonicalName() = %q", got)
	}
}

func TestGraphCountsMatches(t *testing.T) {
	want := ExpectedCounts{Entities: 10, Relationships: 5, Citations: 2}
	if !(GraphCounts{Entities: 10, Relationships: 5, Citations: 2}).Matches(want) {
		t.Error("matching counts reported mismatch")
	}
	if (GraphCounts{Entities: 9, Relationships: 5, Citations: 2}).Matches(want) {
		t.Error("missing entity reported match")
	}
}
