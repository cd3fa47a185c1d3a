// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress implements pub/sub progress broadcasting.
//
// The pipeline publishes a ProgressUpdate at every stage transition.
// Subscribers (the websocket handler, tests) receive updates in publish
// order. The latest update per job is cached durably so a subscriber
// arriving after a job finished still learns its final state, even
// across a process restart.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
)

const latestPrefix = "progress:latest:"

// ErrNoProgress is returned by Latest for jobs with no recorded update.
var ErrNoProgress = errors.New("no progress recorded for job")

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind loses the oldest updates rather than
// blocking the pipeline.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan datatypes.ProgressUpdate
	jobID  string
	closed bool
}

// Broadcaster fans progress updates out to subscribers and caches the
// latest update per job in BadgerDB.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	db     *storage.DB
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. db may be nil, in which case
// late-subscriber catch-up only works within the process lifetime of
// published updates held by subscribers.
func NewBroadcaster(db *storage.DB, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		db:     db,
		logger: logger.With(slog.String("component", "progress")),
	}
}

// Subscribe registers for updates on jobID. The returned channel
// receives updates in publish order; if a cached update exists for the
// job it is delivered first. The cancel function must be called to
// release the subscription; it closes the channel.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (<-chan datatypes.ProgressUpdate, func(), error) {
	sub := &subscriber{
		ch:    make(chan datatypes.ProgressUpdate, subscriberBuffer),
		jobID: jobID,
	}

	// Fetch the cached update before registering so a concurrent
	// Publish cannot deliver the same update twice out of order: any
	// update published after this read reaches the channel normally.
	cached, err := b.Latest(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNoProgress) {
		return nil, nil, err
	}

	b.mu.Lock()
	if cached != nil {
		sub.ch <- *cached
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscriber]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(b.subs[jobID], sub)
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel, nil
}

// Publish caches update as the job's latest state and delivers it to
// every current subscriber. Delivery never blocks: a subscriber whose
// buffer is full loses its oldest update to make room for this one.
func (b *Broadcaster) Publish(ctx context.Context, update datatypes.ProgressUpdate) error {
	if err := b.cache(ctx, update); err != nil {
		// Durable cache failure must not stall the pipeline.
		b.logger.Warn("progress cache write failed",
			slog.String("job_id", update.JobID),
			slog.String("error", err.Error()))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[update.JobID] {
		b.deliverLocked(sub, update)
	}
	return nil
}

// deliverLocked pushes update onto sub's channel, evicting the oldest
// buffered update if full. Caller holds b.mu, which also makes the
// drain-then-send pair atomic with respect to other publishers.
func (b *Broadcaster) deliverLocked(sub *subscriber, update datatypes.ProgressUpdate) {
	for {
		select {
		case sub.ch <- update:
			return
		default:
		}
		select {
		case <-sub.ch:
			// dropped oldest
		default:
		}
	}
}

// Latest returns the most recent update published for jobID, or
// ErrNoProgress.
func (b *Broadcaster) Latest(ctx context.Context, jobID string) (*datatypes.ProgressUpdate, error) {
	if b.db == nil {
		return nil, ErrNoProgress
	}
	var update *datatypes.ProgressUpdate
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoProgress
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			update = &datatypes.ProgressUpdate{}
			return json.Unmarshal(val, update)
		})
	})
	return update, err
}

// SubscriberCount reports active subscriptions for a job. Used by
// tests and metrics.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *Broadcaster) cache(ctx context.Context, update datatypes.ProgressUpdate) error {
	if b.db == nil {
		return nil
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode progress update: %w", err)
	}
	return b.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(latestKey(update.JobID), data)
	})
}

func latestKey(jobID string) []byte {
	return []byte(latestPrefix + jobID)
}
