// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"context"
	"sync"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// Memory is a mutex-protected map store for tests and local mode.
type Memory struct {
	mu            sync.RWMutex
	entities      map[string]datatypes.Entity
	relationships map[string]datatypes.Relationship
	citations     map[string]datatypes.Citation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities:      make(map[string]datatypes.Entity),
		relationships: make(map[string]datatypes.Relationship),
		citations:     make(map[string]datatypes.Citation),
	}
}

// WriteEntity upserts one entity node.
func (m *Memory) WriteEntity(ctx context.Context, e datatypes.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

// WriteRelationship upserts one relationship edge.
func (m *Memory) WriteRelationship(ctx context.Context, r datatypes.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships[r.ID] = r
	return nil
}

// WriteCitation upserts one citation.
func (m *Memory) WriteCitation(ctx context.Context, c datatypes.Citation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.citations[c.ID] = c
	return nil
}

// DeleteEntity removes an entity; absent IDs are not an error.
func (m *Memory) DeleteEntity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
	return nil
}

// DeleteRelationship removes a relationship; absent IDs are not an error.
func (m *Memory) DeleteRelationship(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relationships, id)
	return nil
}

// DeleteCitation removes a citation; absent IDs are not an error.
func (m *Memory) DeleteCitation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.citations, id)
	return nil
}

// ReadCounts returns the observed object counts for one job.
func (m *Memory) ReadCounts(ctx context.Context, jobID string) (datatypes.GraphCounts, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.GraphCounts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var counts datatypes.GraphCounts
	for _, e := range m.entities {
		if e.JobID == jobID {
			counts.Entities++
		}
	}
	for _, r := range m.relationships {
		if r.JobID == jobID {
			counts.Relationships++
		}
	}
	for _, c := range m.citations {
		if c.JobID == jobID {
			counts.Citations++
		}
	}
	return counts, nil
}

// ListEntities returns the stored entities for one job.
func (m *Memory) ListEntities(ctx context.Context, jobID string) ([]datatypes.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []datatypes.Entity
	for _, e := range m.entities {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRelationships returns the stored relationships for one job.
func (m *Memory) ListRelationships(ctx context.Context, jobID string) ([]datatypes.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []datatypes.Relationship
	for _, r := range m.relationships {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
