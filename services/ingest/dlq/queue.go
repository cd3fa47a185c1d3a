// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dlq implements the durable dead-letter queue.
//
// Jobs that fail a pipeline stage land here instead of vanishing. Each
// entry records the failing stage, the classified error, and a retry
// schedule derived from the error kind. Entries survive restarts; a
// background worker resubmits due entries and escalates the ones that
// exhaust their attempts.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
)

const entryPrefix = "dlq:entry:"

// ErrNotFound is returned when an entry ID does not exist.
var ErrNotFound = errors.New("dead-letter entry not found")

// Config holds queue tuning knobs.
type Config struct {
	// MaxAttempts bounds automatic retries per entry. Default 3.
	MaxAttempts int

	// BaseBackoff is the first retry delay. Exponential entries double
	// it per attempt; linear entries add it per attempt. Default 1s.
	BaseBackoff time.Duration

	// MaxBackoff caps any single delay. Default 5m.
	MaxBackoff time.Duration

	// ClaimLease bounds how long an entry may sit in RETRYING before it
	// is considered abandoned (worker crashed mid-attempt) and returned
	// to PENDING. Default 5m.
	ClaimLease time.Duration

	// Retention is how long RESOLVED and DISCARDED entries stay listed
	// before pruning. Default 24h.
	Retention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		ClaimLease:  5 * time.Minute,
		Retention:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Queue is the durable dead-letter queue. All methods are safe for
// concurrent use; BadgerDB transactions provide the isolation.
type Queue struct {
	db     *storage.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a queue over db. The database is shared; the queue
// does not own its lifecycle.
func NewQueue(db *storage.DB, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "dlq")),
		now:    time.Now,
	}
}

// Enqueue records a failed job. The error is classified to pick the
// retry strategy: transient kinds get scheduled retries, MANUAL kinds
// get Status ESCALATED immediately, and NONE kinds are stored as
// DISCARDED audit records awaiting neither retry nor review.
func (q *Queue) Enqueue(ctx context.Context, jobID string, stage datatypes.Stage, payload json.RawMessage, cause error) (*datatypes.DeadLetterEntry, error) {
	kind := datatypes.Classify(cause)
	strategy := datatypes.StrategyFor(kind)
	now := q.now()

	entry := &datatypes.DeadLetterEntry{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Stage:       stage,
		Payload:     payload,
		ErrorKind:   kind,
		Strategy:    strategy,
		LastError:   datatypes.UserMessage(cause),
		Attempts:    0,
		MaxAttempts: q.cfg.MaxAttempts,
		Status:      datatypes.EntryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch strategy {
	case datatypes.RetryExponential, datatypes.RetryLinear:
		entry.NextRetryAt = now.Add(q.backoff(strategy, 0))
	case datatypes.RetryManual:
		entry.Status = datatypes.EntryEscalated
	default:
		entry.Status = datatypes.EntryDiscarded
	}

	if err := q.put(ctx, entry); err != nil {
		return nil, err
	}
	q.logger.Info("job dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("job_id", jobID),
		slog.String("stage", string(stage)),
		slog.String("error_kind", string(kind)),
		slog.String("strategy", string(strategy)),
	)
	return entry, nil
}

// EnqueueManual records an entry that goes straight to the manual
// queue regardless of error classification. The health monitor uses
// this for jobs that exhausted their resume budget.
func (q *Queue) EnqueueManual(ctx context.Context, jobID string, stage datatypes.Stage, reason string) (*datatypes.DeadLetterEntry, error) {
	now := q.now()
	entry := &datatypes.DeadLetterEntry{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Stage:       stage,
		ErrorKind:   datatypes.KindUnknown,
		Strategy:    datatypes.RetryManual,
		LastError:   reason,
		MaxAttempts: q.cfg.MaxAttempts,
		Status:      datatypes.EntryEscalated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.put(ctx, entry); err != nil {
		return nil, err
	}
	q.logger.Warn("job escalated for manual handling",
		slog.String("entry_id", entry.ID),
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	return entry, nil
}

// Get returns the entry with the given ID.
func (q *Queue) Get(ctx context.Context, id string) (*datatypes.DeadLetterEntry, error) {
	var entry *datatypes.DeadLetterEntry
	err := q.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry = &datatypes.DeadLetterEntry{}
			return json.Unmarshal(val, entry)
		})
	})
	return entry, err
}

// List returns all entries, newest first. An empty queue returns an
// empty slice, not nil.
func (q *Queue) List(ctx context.Context) ([]*datatypes.DeadLetterEntry, error) {
	entries := []*datatypes.DeadLetterEntry{}
	err := q.db.View(ctx, func(txn *badger.Txn) error {
		return q.scan(txn, func(e *datatypes.DeadLetterEntry) {
			entries = append(entries, e)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// ClaimDue atomically moves all due PENDING entries to RETRYING and
// returns them. Claimed entries belong to the caller until Resolve,
// Reschedule, or Escalate is called.
func (q *Queue) ClaimDue(ctx context.Context) ([]*datatypes.DeadLetterEntry, error) {
	now := q.now()
	claimed := []*datatypes.DeadLetterEntry{}
	err := q.db.Update(ctx, func(txn *badger.Txn) error {
		var due []*datatypes.DeadLetterEntry
		if err := q.scanTxn(txn, func(e *datatypes.DeadLetterEntry) {
			if e.Due(now) {
				due = append(due, e)
			}
		}); err != nil {
			return err
		}
		for _, e := range due {
			e.Status = datatypes.EntryRetrying
			e.UpdatedAt = now
			if err := putTxn(txn, e); err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Resolve marks an entry's retry as succeeded. The entry stays listed
// with Status RESOLVED until retention pruning removes it.
func (q *Queue) Resolve(ctx context.Context, id string) error {
	_, err := q.mutate(ctx, id, func(e *datatypes.DeadLetterEntry, now time.Time) {
		e.Status = datatypes.EntryResolved
		e.Forced = false
	})
	return err
}

// Reschedule records a failed retry attempt. If attempts remain the
// entry goes back to PENDING with the next backoff delay; otherwise it
// is escalated for manual handling.
func (q *Queue) Reschedule(ctx context.Context, id string, cause error) (*datatypes.DeadLetterEntry, error) {
	return q.mutate(ctx, id, func(e *datatypes.DeadLetterEntry, now time.Time) {
		e.Attempts++
		e.LastError = datatypes.UserMessage(cause)
		if e.Exhausted() {
			e.Status = datatypes.EntryEscalated
			return
		}
		e.Status = datatypes.EntryPending
		e.NextRetryAt = now.Add(q.backoff(e.Strategy, e.Attempts))
	})
}

// Escalate marks an entry for manual handling regardless of its retry
// budget.
func (q *Queue) Escalate(ctx context.Context, id string) (*datatypes.DeadLetterEntry, error) {
	return q.mutate(ctx, id, func(e *datatypes.DeadLetterEntry, now time.Time) {
		e.Status = datatypes.EntryEscalated
	})
}

// ForceRetry makes any entry immediately due, resetting its attempt
// budget. This is the operator path for MANUAL and ESCALATED entries:
// the Forced flag makes the entry claimable even though its strategy
// never schedules automatic retries.
func (q *Queue) ForceRetry(ctx context.Context, id string) (*datatypes.DeadLetterEntry, error) {
	return q.mutate(ctx, id, func(e *datatypes.DeadLetterEntry, now time.Time) {
		e.Status = datatypes.EntryPending
		e.Attempts = 0
		e.NextRetryAt = now
		e.Forced = true
	})
}

// ReclaimStale repairs the claim window after a crash: RETRYING entries
// whose lease expired go back to PENDING and immediately due, and
// RESOLVED/DISCARDED entries past retention are pruned. The retry
// worker runs this before each drain.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	now := q.now()
	reclaimed := 0
	err := q.db.Update(ctx, func(txn *badger.Txn) error {
		var stale, expired []*datatypes.DeadLetterEntry
		if err := q.scanTxn(txn, func(e *datatypes.DeadLetterEntry) {
			switch e.Status {
			case datatypes.EntryRetrying:
				if now.Sub(e.UpdatedAt) > q.cfg.ClaimLease {
					stale = append(stale, e)
				}
			case datatypes.EntryResolved, datatypes.EntryDiscarded:
				if now.Sub(e.UpdatedAt) > q.cfg.Retention {
					expired = append(expired, e)
				}
			}
		}); err != nil {
			return err
		}
		for _, e := range stale {
			e.Status = datatypes.EntryPending
			e.NextRetryAt = now
			// The claim died mid-attempt; keep it eligible whatever
			// the strategy, like the force that may have claimed it.
			e.Forced = true
			e.UpdatedAt = now
			if err := putTxn(txn, e); err != nil {
				return err
			}
			reclaimed++
		}
		for _, e := range expired {
			if err := txn.Delete(entryKey(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed abandoned retry claims", slog.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// Status summarizes queue contents for the health endpoint. Depth
// counts only live entries; RESOLVED and DISCARDED records appear in
// ByStatus but do not inflate the backlog.
func (q *Queue) Status(ctx context.Context) (*datatypes.DLQStatus, error) {
	status := &datatypes.DLQStatus{
		ByStatus: map[datatypes.EntryStatus]int{},
		ByKind:   map[datatypes.ErrorKind]int{},
	}
	now := q.now()
	var oldest time.Time
	err := q.db.View(ctx, func(txn *badger.Txn) error {
		return q.scan(txn, func(e *datatypes.DeadLetterEntry) {
			status.ByStatus[e.Status]++
			switch e.Status {
			case datatypes.EntryResolved, datatypes.EntryDiscarded:
				return
			}
			status.Depth++
			status.ByKind[e.ErrorKind]++
			if oldest.IsZero() || e.CreatedAt.Before(oldest) {
				oldest = e.CreatedAt
			}
		})
	})
	if err != nil {
		return nil, err
	}
	if !oldest.IsZero() {
		status.OldestAge = now.Sub(oldest)
	}
	return status, nil
}

// backoff computes the delay before attempt n (zero-based), capped at
// MaxBackoff. Exponential: base * 2^n. Linear: base * (n+1).
func (q *Queue) backoff(strategy datatypes.RetryStrategy, attempt int) time.Duration {
	var d time.Duration
	switch strategy {
	case datatypes.RetryLinear:
		d = q.cfg.BaseBackoff * time.Duration(attempt+1)
	default:
		d = q.cfg.BaseBackoff << uint(attempt)
	}
	if d > q.cfg.MaxBackoff || d <= 0 {
		d = q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(*datatypes.DeadLetterEntry, time.Time)) (*datatypes.DeadLetterEntry, error) {
	var entry *datatypes.DeadLetterEntry
	err := q.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		entry = &datatypes.DeadLetterEntry{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, entry)
		}); err != nil {
			return err
		}
		now := q.now()
		fn(entry, now)
		entry.UpdatedAt = now
		return putTxn(txn, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (q *Queue) put(ctx context.Context, entry *datatypes.DeadLetterEntry) error {
	return q.db.Update(ctx, func(txn *badger.Txn) error {
		return putTxn(txn, entry)
	})
}

func (q *Queue) scan(txn *badger.Txn, fn func(*datatypes.DeadLetterEntry)) error {
	return q.scanTxn(txn, fn)
}

func (q *Queue) scanTxn(txn *badger.Txn, fn func(*datatypes.DeadLetterEntry)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entryPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var entry datatypes.DeadLetterEntry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
		if err != nil {
			return fmt.Errorf("decode dead-letter entry: %w", err)
		}
		fn(&entry)
	}
	return nil
}

func putTxn(txn *badger.Txn, entry *datatypes.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	return txn.Set(entryKey(entry.ID), data)
}

func entryKey(id string) []byte {
	return []byte(entryPrefix + id)
}
