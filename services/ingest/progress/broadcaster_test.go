// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBroadcaster(db, nil)
}

func update(jobID string, stage datatypes.Stage) datatypes.ProgressUpdate {
	return datatypes.ProgressUpdate{
		JobID:     jobID,
		Stage:     stage,
		Percent:   stage.Percent(),
		Timestamp: time.Now().UTC(),
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	stages := []datatypes.Stage{
		datatypes.StageReceived,
		datatypes.StageTextExtracted,
		datatypes.StageEntitiesExtracted,
	}
	for _, s := range stages {
		if err := b.Publish(ctx, update("job-1", s)); err != nil {
			t.Fatalf("Publish(%s) error = %v", s, err)
		}
	}

	for i, want := range stages {
		select {
		case got := <-ch:
			if got.Stage != want {
				t.Errorf("update %d stage = %s, want %s", i, got.Stage, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}
}

func TestLateSubscriberGetsLatestUpdate(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()

	b.Publish(ctx, update("job-1", datatypes.StageReceived))
	b.Publish(ctx, update("job-1", datatypes.StageGraphPopulated))

	ch, cancel, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	select {
	case got := <-ch:
		if got.Stage != datatypes.StageGraphPopulated {
			t.Errorf("catch-up stage = %s, want GRAPH_POPULATED", got.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber received no catch-up update")
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	// Overflow the buffer without reading.
	for i := 0; i < subscriberBuffer*2; i++ {
		u := update("job-1", datatypes.StageTextExtracted)
		u.Metrics = map[string]int{"seq": i}
		if err := b.Publish(ctx, u); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	// Drain: the final buffered update must be the newest one.
	var last datatypes.ProgressUpdate
	for {
		select {
		case u := <-ch:
			last = u
			continue
		default:
		}
		break
	}
	if got := last.Metrics["seq"]; got != subscriberBuffer*2-1 {
		t.Errorf("newest delivered seq = %d, want %d", got, subscriberBuffer*2-1)
	}
}

func TestSubscribersAreJobScoped(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "job-a")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	b.Publish(ctx, update("job-b", datatypes.StageReceived))

	select {
	case u := <-ch:
		t.Errorf("received update for wrong job: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannelAndUnregisters(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	cancel() // double-cancel must be safe

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	if n := b.SubscriberCount("job-1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestLatestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(storage.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	ctx := context.Background()

	b := NewBroadcaster(db, nil)
	b.Publish(ctx, update("job-1", datatypes.StageCompleted))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := storage.Open(storage.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	b2 := NewBroadcaster(reopened, nil)
	got, err := b2.Latest(ctx, "job-1")
	if err != nil {
		t.Fatalf("Latest() after restart error = %v", err)
	}
	if got.Stage != datatypes.StageCompleted {
		t.Errorf("restored stage = %s, want COMPLETED", got.Stage)
	}
}

func TestLatestUnknownJob(t *testing.T) {
	b := newTestBroadcaster(t)
	if _, err := b.Latest(context.Background(), "nope"); !errors.Is(err, ErrNoProgress) {
		t.Errorf("Latest() = %v, want ErrNoProgress", err)
	}
}
