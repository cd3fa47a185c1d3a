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
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

const (
	classEntity       = "GraphEntity"
	classRelationship = "GraphRelationship"
	classCitation     = "GraphCitation"
)

// Weaviate is the production Store backed by a Weaviate instance.
//
// Objects use deterministic UUIDs derived from their extraction IDs so
// re-applied writes (transaction retries, auto-repair) are idempotent
// upserts rather than duplicates.
type Weaviate struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviate creates a Store over an existing Weaviate client.
func NewWeaviate(client *weaviate.Client, logger *slog.Logger) *Weaviate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Weaviate{client: client, logger: logger.With("component", "graphstore.Weaviate")}
}

// EnsureSchema creates the knowledge-graph classes if they don't exist.
// Call once at startup.
func (w *Weaviate) EnsureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{
		entitySchema(), relationshipSchema(), citationSchema(),
	} {
		_, err := w.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			w.logger.Debug("schema exists", "class", class.Class)
			continue
		}
		w.logger.Info("creating schema", "class", class.Class)
		if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return datatypes.ConnectionError(
				fmt.Sprintf("creating schema for class %s", class.Class), err)
		}
	}
	return nil
}

// WriteEntity upserts one entity node.
func (w *Weaviate) WriteEntity(ctx context.Context, e datatypes.Entity) error {
	props := map[string]interface{}{
		"entity_id": e.ID,
		"name":      e.Name,
		"canonical": e.Canonical,
		"type":      e.Type,
		"job_id":    e.JobID,
	}
	return w.upsert(ctx, classEntity, e.ID, props)
}

// WriteRelationship upserts one relationship edge.
func (w *Weaviate) WriteRelationship(ctx context.Context, r datatypes.Relationship) error {
	props := map[string]interface{}{
		"relationship_id": r.ID,
		"from_id":         r.FromID,
		"to_id":           r.ToID,
		"predicate":       r.Predicate,
		"job_id":          r.JobID,
	}
	return w.upsert(ctx, classRelationship, r.ID, props)
}

// WriteCitation upserts one citation.
func (w *Weaviate) WriteCitation(ctx context.Context, c datatypes.Citation) error {
	props := map[string]interface{}{
		"citation_id": c.ID,
		"entity_id":   c.EntityID,
		"quote":       c.Quote,
		"offset":      c.Offset,
		"job_id":      c.JobID,
	}
	return w.upsert(ctx, classCitation, c.ID, props)
}

// DeleteEntity removes an entity; absent IDs are not an error.
func (w *Weaviate) DeleteEntity(ctx context.Context, id string) error {
	return w.delete(ctx, classEntity, id)
}

// DeleteRelationship removes a relationship; absent IDs are not an error.
func (w *Weaviate) DeleteRelationship(ctx context.Context, id string) error {
	return w.delete(ctx, classRelationship, id)
}

// DeleteCitation removes a citation; absent IDs are not an error.
func (w *Weaviate) DeleteCitation(ctx context.Context, id string) error {
	return w.delete(ctx, classCitation, id)
}

// ReadCounts returns the observed object counts for one job.
func (w *Weaviate) ReadCounts(ctx context.Context, jobID string) (datatypes.GraphCounts, error) {
	var counts datatypes.GraphCounts

	entityCount, err := w.countClass(ctx, classEntity, jobID)
	if err != nil {
		return counts, err
	}
	relationshipCount, err := w.countClass(ctx, classRelationship, jobID)
	if err != nil {
		return counts, err
	}
	citationCount, err := w.countClass(ctx, classCitation, jobID)
	if err != nil {
		return counts, err
	}

	counts.Entities = entityCount
	counts.Relationships = relationshipCount
	counts.Citations = citationCount
	return counts, nil
}

// ListEntities returns the stored entities for one job.
func (w *Weaviate) ListEntities(ctx context.Context, jobID string) ([]datatypes.Entity, error) {
	objects, err := w.listClass(ctx, classEntity, jobID,
		"entity_id", "name", "canonical", "type", "job_id")
	if err != nil {
		return nil, err
	}

	entities := make([]datatypes.Entity, 0, len(objects))
	for _, obj := range objects {
		entities = append(entities, datatypes.Entity{
			ID:        stringProp(obj, "entity_id"),
			Name:      stringProp(obj, "name"),
			Canonical: stringProp(obj, "canonical"),
			Type:      stringProp(obj, "type"),
			JobID:     stringProp(obj, "job_id"),
		})
	}
	return entities, nil
}

// ListRelationships returns the stored relationships for one job.
func (w *Weaviate) ListRelationships(ctx context.Context, jobID string) ([]datatypes.Relationship, error) {
	objects, err := w.listClass(ctx, classRelationship, jobID,
		"relationship_id", "from_id", "to_id", "predicate", "job_id")
	if err != nil {
		return nil, err
	}

	relationships := make([]datatypes.Relationship, 0, len(objects))
	for _, obj := range objects {
		relationships = append(relationships, datatypes.Relationship{
			ID:        stringProp(obj, "relationship_id"),
			FromID:    stringProp(obj, "from_id"),
			ToID:      stringProp(obj, "to_id"),
			Predicate: stringProp(obj, "predicate"),
			JobID:     stringProp(obj, "job_id"),
		})
	}
	return relationships, nil
}

// upsert creates the object, falling back to a merge when the
// deterministic ID already exists.
func (w *Weaviate) upsert(ctx context.Context, class, id string, props map[string]interface{}) error {
	objectID := deterministicID(class, id)

	_, err := w.client.Data().Creator().
		WithClassName(class).
		WithID(objectID).
		WithProperties(props).
		Do(ctx)
	if err == nil {
		return nil
	}

	if statusCode(err) == 422 && strings.Contains(err.Error(), "already exists") {
		mergeErr := w.client.Data().Updater().
			WithMerge().
			WithClassName(class).
			WithID(objectID).
			WithProperties(props).
			Do(ctx)
		if mergeErr == nil {
			return nil
		}
		err = mergeErr
	}

	return classifyWeaviate(fmt.Sprintf("writing %s %s", class, id), err)
}

func (w *Weaviate) delete(ctx context.Context, class, id string) error {
	err := w.client.Data().Deleter().
		WithClassName(class).
		WithID(deterministicID(class, id)).
		Do(ctx)
	if err == nil || statusCode(err) == 404 {
		return nil
	}
	return classifyWeaviate(fmt.Sprintf("deleting %s %s", class, id), err)
}

func (w *Weaviate) countClass(ctx context.Context, class, jobID string) (int, error) {
	where := filters.Where().
		WithPath([]string{"job_id"}).
		WithOperator(filters.Equal).
		WithValueString(jobID)

	resp, err := w.client.GraphQL().Aggregate().
		WithClassName(class).
		WithWhere(where).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, classifyWeaviate(fmt.Sprintf("counting %s", class), err)
	}

	// Aggregate responses nest as Aggregate -> <class> -> [0] -> meta -> count.
	agg, ok := resp.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	groups, ok := agg[class].([]interface{})
	if !ok || len(groups) == 0 {
		return 0, nil
	}
	group, ok := groups[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := group["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, ok := meta["count"].(float64)
	if !ok {
		return 0, nil
	}
	return int(count), nil
}

func (w *Weaviate) listClass(ctx context.Context, class, jobID string, fieldNames ...string) ([]map[string]interface{}, error) {
	where := filters.Where().
		WithPath([]string{"job_id"}).
		WithOperator(filters.Equal).
		WithValueString(jobID)

	fields := make([]graphql.Field, len(fieldNames))
	for i, name := range fieldNames {
		fields[i] = graphql.Field{Name: name}
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return nil, classifyWeaviate(fmt.Sprintf("listing %s", class), err)
	}

	get, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	items, ok := get[class].([]interface{})
	if !ok {
		return nil, nil
	}

	objects := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]interface{}); ok {
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// deterministicID derives a stable Weaviate UUID from a class-scoped
// extraction ID, the same scheme the document ingestion path uses for
// chunk IDs.
func deterministicID(class, id string) string {
	hash := sha256.Sum256([]byte(class + "/" + id))
	objectUUID, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(objectUUID.String()).String()
}

func stringProp(obj map[string]interface{}, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func statusCode(err error) int {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// classifyWeaviate maps client failures into the error taxonomy:
// transport failures are connection-class, server rejections of the
// payload are validation-class.
func classifyWeaviate(message string, err error) error {
	switch code := statusCode(err); {
	case code == 422:
		return datatypes.ValidationError(message, err)
	case code >= 500, code == 0:
		return datatypes.ConnectionError(message, err)
	default:
		return datatypes.NewError(datatypes.KindUnknown, message, err)
	}
}

func entitySchema() *models.Class {
	return &models.Class{
		Class:       classEntity,
		Description: "One extracted knowledge-graph entity node.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			textProperty("entity_id", "Stable extraction identifier."),
			wordProperty("name", "Surface form of the entity."),
			textProperty("canonical", "Deduplication key."),
			textProperty("type", "Entity class (person, organization, ...)."),
			textProperty("job_id", "Job that produced this entity."),
		},
	}
}

func relationshipSchema() *models.Class {
	return &models.Class{
		Class:       classRelationship,
		Description: "One extracted edge between two entities.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			textProperty("relationship_id", "Stable extraction identifier."),
			textProperty("from_id", "Source entity id."),
			textProperty("to_id", "Target entity id."),
			textProperty("predicate", "Relationship name."),
			textProperty("job_id", "Job that produced this relationship."),
		},
	}
}

func citationSchema() *models.Class {
	return &models.Class{
		Class:       classCitation,
		Description: "A source-text span supporting an extracted entity.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			textProperty("citation_id", "Stable extraction identifier."),
			textProperty("entity_id", "Entity this citation supports."),
			wordProperty("quote", "Supporting source text."),
			intProperty("offset", "Rune offset of the quote."),
			textProperty("job_id", "Job that produced this citation."),
		},
	}
}

func textProperty(name, description string) *models.Property {
	indexFilterable := true
	return &models.Property{
		Name:            name,
		DataType:        []string{"text"},
		Description:     description,
		IndexFilterable: &indexFilterable,
		Tokenization:    "field",
	}
}

func wordProperty(name, description string) *models.Property {
	return &models.Property{
		Name:         name,
		DataType:     []string{"text"},
		Description:  description,
		Tokenization: "word",
	}
}

func intProperty(name, description string) *models.Property {
	return &models.Property{
		Name:        name,
		DataType:    []string{"int"},
		Description: description,
	}
}

var _ Store = (*Weaviate)(nil)
