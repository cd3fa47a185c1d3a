// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphstore defines the narrow interface to the downstream
// knowledge-graph store and provides two implementations: an in-memory
// map store for tests and local mode, and a Weaviate-backed adapter.
//
// All calls into a Store are routed through the circuit breaker by the
// transaction manager; implementations here do not retry.
package graphstore

import (
	"context"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// Store is the downstream graph dependency.
//
// Writes are idempotent per object ID so transaction retries and
// auto-repair re-writes are safe. Deletes of absent objects succeed;
// undo must not fail because the apply never landed.
type Store interface {
	// WriteEntity upserts one entity node.
	WriteEntity(ctx context.Context, e datatypes.Entity) error

	// WriteRelationship upserts one relationship edge.
	WriteRelationship(ctx context.Context, r datatypes.Relationship) error

	// WriteCitation upserts one citation.
	WriteCitation(ctx context.Context, c datatypes.Citation) error

	// DeleteEntity removes an entity; absent IDs are not an error.
	DeleteEntity(ctx context.Context, id string) error

	// DeleteRelationship removes a relationship; absent IDs are not an error.
	DeleteRelationship(ctx context.Context, id string) error

	// DeleteCitation removes a citation; absent IDs are not an error.
	DeleteCitation(ctx context.Context, id string) error

	// ReadCounts returns the observed object counts for one job.
	ReadCounts(ctx context.Context, jobID string) (datatypes.GraphCounts, error)

	// ListEntities returns the stored entities for one job.
	ListEntities(ctx context.Context, jobID string) ([]datatypes.Entity, error)

	// ListRelationships returns the stored relationships for one job.
	ListRelationships(ctx context.Context, jobID string) ([]datatypes.Relationship, error)
}
