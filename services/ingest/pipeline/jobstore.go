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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists jobs and the intermediate artifacts needed to
// resume a job from its failed stage.
type JobStore interface {
	Create(ctx context.Context, job *datatypes.Job) error
	Get(ctx context.Context, id string) (*datatypes.Job, error)

	// Update applies fn to the stored job atomically and persists the
	// result. fn returning an error aborts the update.
	Update(ctx context.Context, id string, fn func(*datatypes.Job) error) (*datatypes.Job, error)

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*datatypes.Job, error)

	// SaveText and LoadText persist the extracted document text so a
	// resumed job skips re-extraction.
	SaveText(ctx context.Context, jobID, text string) error
	LoadText(ctx context.Context, jobID string) (string, error)

	// SaveExtraction and LoadExtraction persist the structured
	// extraction result for the same reason.
	SaveExtraction(ctx context.Context, jobID string, result *datatypes.ExtractionResult) error
	LoadExtraction(ctx context.Context, jobID string) (*datatypes.ExtractionResult, error)
}

const (
	jobPrefix        = "job:record:"
	textPrefix       = "job:text:"
	extractionPrefix = "job:extraction:"
)

// BadgerJobStore is the durable JobStore used in production. Jobs and
// artifacts survive restarts, which is what makes crash recovery and
// dead-letter resume possible.
type BadgerJobStore struct {
	db *storage.DB
}

// NewBadgerJobStore creates a store over db. The database is shared;
// the store does not own its lifecycle.
func NewBadgerJobStore(db *storage.DB) *BadgerJobStore {
	return &BadgerJobStore{db: db}
}

func (s *BadgerJobStore) Create(ctx context.Context, job *datatypes.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(jobPrefix+job.ID), data)
	})
}

func (s *BadgerJobStore) Get(ctx context.Context, id string) (*datatypes.Job, error) {
	var job *datatypes.Job
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			job = &datatypes.Job{}
			return json.Unmarshal(val, job)
		})
	})
	return job, err
}

func (s *BadgerJobStore) Update(ctx context.Context, id string, fn func(*datatypes.Job) error) (*datatypes.Job, error) {
	var job *datatypes.Job
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job = &datatypes.Job{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, job)
		}); err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		return txn.Set([]byte(jobPrefix+id), data)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BadgerJobStore) List(ctx context.Context) ([]*datatypes.Job, error) {
	jobs := []*datatypes.Job{}
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job datatypes.Job
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			})
			if err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

func (s *BadgerJobStore) SaveText(ctx context.Context, jobID, text string) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(textPrefix+jobID), []byte(text))
	})
}

func (s *BadgerJobStore) LoadText(ctx context.Context, jobID string) (string, error) {
	var text string
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(textPrefix + jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			text = string(val)
			return nil
		})
	})
	return text, err
}

func (s *BadgerJobStore) SaveExtraction(ctx context.Context, jobID string, result *datatypes.ExtractionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode extraction: %w", err)
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(extractionPrefix+jobID), data)
	})
}

func (s *BadgerJobStore) LoadExtraction(ctx context.Context, jobID string) (*datatypes.ExtractionResult, error) {
	var result *datatypes.ExtractionResult
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(extractionPrefix + jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			result = &datatypes.ExtractionResult{}
			return json.Unmarshal(val, result)
		})
	})
	return result, err
}

// MemoryJobStore is an in-memory JobStore for tests.
type MemoryJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*datatypes.Job
	texts       map[string]string
	extractions map[string]*datatypes.ExtractionResult
}

// NewMemoryJobStore creates an empty in-memory store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:        make(map[string]*datatypes.Job),
		texts:       make(map[string]string),
		extractions: make(map[string]*datatypes.ExtractionResult),
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *datatypes.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*datatypes.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, id string, fn func(*datatypes.Job) error) (*datatypes.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	if err := fn(&clone); err != nil {
		return nil, err
	}
	s.jobs[id] = &clone
	out := clone
	return &out, nil
}

func (s *MemoryJobStore) List(ctx context.Context) ([]*datatypes.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*datatypes.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		clone := *job
		jobs = append(jobs, &clone)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

func (s *MemoryJobStore) SaveText(ctx context.Context, jobID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[jobID] = text
	return nil
}

func (s *MemoryJobStore) LoadText(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.texts[jobID]
	if !ok {
		return "", ErrJobNotFound
	}
	return text, nil
}

func (s *MemoryJobStore) SaveExtraction(ctx context.Context, jobID string, result *datatypes.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions[jobID] = result
	return nil
}

func (s *MemoryJobStore) LoadExtraction(ctx context.Context, jobID string) (*datatypes.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.extractions[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return result, nil
}
