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
	"fmt"
	"strings"
)

// Entity is one extracted knowledge-graph node.
type Entity struct {
	// ID is assigned at extraction time and stable across retries.
	ID string `json:"id"`

	// Name is the surface form of the entity.
	Name string `json:"name"`

	// Canonical is the deduplication key (lowercased, trimmed name by
	// default). Two entities with the same canonical form are the same
	// node.
	Canonical string `json:"canonical"`

	// Type is the entity class (person, organization, concept, ...).
	Type string `json:"type"`

	// JobID links the entity to the job that produced it.
	JobID string `json:"job_id"`

	// Properties carries extractor-specific attributes.
	Properties map[string]string `json:"properties,omitempty"`
}

// Validate checks the minimum shape required for a graph write.
func (e Entity) Validate() error {
	if e.ID == "" {
		return ValidationError("entity missing id", nil)
	}
	if strings.TrimSpace(e.Name) == "" {
		return ValidationError(fmt.Sprintf("entity %s missing name", e.ID), nil)
	}
	if e.JobID == "" {
		return ValidationError(fmt.Sprintf("entity %s missing job reference", e.ID), nil)
	}
	return nil
}

// CanonicalName normalizes a surface form into a dedup key.
func CanonicalName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Relationship is one extracted edge between two entities.
type Relationship struct {
	ID string `json:"id"`

	// FromID and ToID reference Entity.ID values from the same job.
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`

	// Predicate names the relationship (works_for, cites, part_of, ...).
	Predicate string `json:"predicate"`

	JobID string `json:"job_id"`
}

// Validate checks the minimum shape required for a graph write.
func (r Relationship) Validate() error {
	if r.ID == "" {
		return ValidationError("relationship missing id", nil)
	}
	if r.FromID == "" || r.ToID == "" {
		return ValidationError(fmt.Sprintf("relationship %s missing endpoint", r.ID), nil)
	}
	if r.Predicate == "" {
		return ValidationError(fmt.Sprintf("relationship %s missing predicate", r.ID), nil)
	}
	return nil
}

// Citation anchors extracted knowledge back to a span of source text.
type Citation struct {
	ID string `json:"id"`

	// EntityID is the entity this citation supports.
	EntityID string `json:"entity_id"`

	// Quote is the supporting source text span.
	Quote string `json:"quote"`

	// Offset is the rune offset of the quote in the extracted text.
	Offset int `json:"offset"`

	JobID string `json:"job_id"`
}

// Validate checks the minimum shape required for a graph write.
func (c Citation) Validate() error {
	if c.ID == "" {
		return ValidationError("citation missing id", nil)
	}
	if c.EntityID == "" {
		return ValidationError(fmt.Sprintf("citation %s missing entity reference", c.ID), nil)
	}
	return nil
}

// ExtractionResult is the output of the entity-extraction collaborator.
type ExtractionResult struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Citations     []Citation     `json:"citations"`
}

// Counts returns the expected-count record for verification.
func (r ExtractionResult) Counts() ExpectedCounts {
	return ExpectedCounts{
		Entities:      len(r.Entities),
		Relationships: len(r.Relationships),
		Citations:     len(r.Citations),
	}
}

// Validate checks every extracted object and returns the first
// validation failure. Malformed extractions are classified MANUAL and
// never auto-retried.
func (r ExtractionResult) Validate() error {
	for _, e := range r.Entities {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	known := make(map[string]struct{}, len(r.Entities))
	for _, e := range r.Entities {
		known[e.ID] = struct{}{}
	}
	for _, rel := range r.Relationships {
		if err := rel.Validate(); err != nil {
			return err
		}
		if _, ok := known[rel.FromID]; !ok {
			return ValidationError(
				fmt.Sprintf("relationship %s references unknown entity %s", rel.ID, rel.FromID), nil)
		}
		if _, ok := known[rel.ToID]; !ok {
			return ValidationError(
				fmt.Sprintf("relationship %s references unknown entity %s", rel.ID, rel.ToID), nil)
		}
	}
	for _, c := range r.Citations {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := known[c.EntityID]; !ok {
			return ValidationError(
				fmt.Sprintf("citation %s references unknown entity %s", c.ID, c.EntityID), nil)
		}
	}
	return nil
}

// GraphCounts is what a store read observes for one job.
type GraphCounts struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Citations     int `json:"citations"`
}

// Matches reports whether observed counts satisfy expectations.
func (g GraphCounts) Matches(want ExpectedCounts) bool {
	return g.Entities == want.Entities &&
		g.Relationships == want.Relationships &&
		g.Citations == want.Citations
}
