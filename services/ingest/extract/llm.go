// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/GraphVault/pkg/validation"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// EntityExtractor turns extracted text into structured knowledge.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, jobID, sourceRef, text string) (*datatypes.ExtractionResult, error)
}

// chatCompleter is the slice of the OpenAI client the extractor needs.
// Tests substitute a fake.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const extractionSystemPrompt = `You are an information extraction engine.
From the given text, extract entities, relationships between them, and
citations (short quotes supporting each entity). Respond with ONLY a
JSON object of this shape, no prose:
{"entities":[{"name":"...","type":"..."}],
 "relationships":[{"from":"<entity name>","to":"<entity name>","predicate":"..."}],
 "citations":[{"entity":"<entity name>","quote":"..."}]}`

// LLMExtractor extracts knowledge with an OpenAI-compatible chat model,
// one request per text chunk, merging and deduplicating the results.
type LLMExtractor struct {
	client chatCompleter
	model  string
	logger *slog.Logger
}

// NewLLMExtractor builds an extractor from environment configuration.
// OPENAI_API_KEY is read from the environment or the container secret
// file; OPENAI_MODEL defaults to gpt-4o-mini.
func NewLLMExtractor(logger *slog.Logger) (*LLMExtractor, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret %s not found", secretPath)
		}
		apiKey = strings.TrimSpace(string(data))
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.With(slog.String("component", "llm_extractor")),
	}, nil
}

// ExtractEntities chunks the text and extracts from each chunk. Entity
// names deduplicate across chunks on their canonical form; relationship
// and citation references resolve against the merged entity set.
func (l *LLMExtractor) ExtractEntities(ctx context.Context, jobID, sourceRef, text string) (*datatypes.ExtractionResult, error) {
	chunks, err := SplitText(sourceRef, text)
	if err != nil {
		return nil, datatypes.ValidationError("text could not be chunked", err)
	}

	merge := newMerger(jobID)
	offset := 0
	for i, chunk := range chunks {
		raw, err := l.extractChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		merge.add(raw, offset)
		l.logger.Debug("chunk extracted",
			slog.String("job_id", jobID),
			slog.Int("chunk", i),
			slog.Int("entities", len(raw.Entities)))
		// Overlapping chunks make exact offsets approximate; close
		// enough for citation anchoring.
		offset += len([]rune(chunk)) - chunkOverlap
		if offset < 0 {
			offset = 0
		}
	}

	result := merge.result()
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

type rawEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawRelationship struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Predicate string `json:"predicate"`
}

type rawCitation struct {
	Entity string `json:"entity"`
	Quote  string `json:"quote"`
}

type rawExtraction struct {
	Entities      []rawEntity       `json:"entities"`
	Relationships []rawRelationship `json:"relationships"`
	Citations     []rawCitation     `json:"citations"`
}

func (l *LLMExtractor) extractChunk(ctx context.Context, chunk string) (*rawExtraction, error) {
	req := openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: chunk},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, datatypes.ConnectionError("extraction model returned no choices", nil)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw rawExtraction
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, datatypes.ValidationError("extraction model returned malformed JSON", err)
	}
	return &raw, nil
}

func classifyLLMError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return datatypes.TimeoutError("extraction model timed out", err)
	case errors.Is(err, context.Canceled):
		return datatypes.NewError(datatypes.KindCancelled, "extraction cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return datatypes.TimeoutError("extraction model timed out", err)
		}
		return datatypes.ConnectionError("extraction model unreachable", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 422:
			return datatypes.ValidationError("extraction model rejected request", err)
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return datatypes.ConnectionError("extraction model unavailable", err)
		}
	}
	return datatypes.NewError(datatypes.KindUnknown, "extraction model call failed", err)
}

// merger accumulates per-chunk extractions into one deduplicated
// result.
type merger struct {
	jobID     string
	byName    map[string]string // canonical name -> entity ID
	entities  []datatypes.Entity
	relations []datatypes.Relationship
	citations []datatypes.Citation
	relSeen   map[string]struct{}
}

func newMerger(jobID string) *merger {
	return &merger{
		jobID:   jobID,
		byName:  make(map[string]string),
		relSeen: make(map[string]struct{}),
	}
}

func (m *merger) add(raw *rawExtraction, offset int) {
	for _, e := range raw.Entities {
		m.entityID(e.Name, e.Type)
	}
	for _, r := range raw.Relationships {
		fromID, ok1 := m.lookup(r.From)
		toID, ok2 := m.lookup(r.To)
		if !ok1 || !ok2 || r.Predicate == "" {
			continue
		}
		key := fromID + "|" + r.Predicate + "|" + toID
		if _, dup := m.relSeen[key]; dup {
			continue
		}
		m.relSeen[key] = struct{}{}
		m.relations = append(m.relations, datatypes.Relationship{
			ID:        uuid.NewString(),
			FromID:    fromID,
			ToID:      toID,
			Predicate: r.Predicate,
			JobID:     m.jobID,
		})
	}
	for _, c := range raw.Citations {
		entityID, ok := m.lookup(c.Entity)
		if !ok || strings.TrimSpace(c.Quote) == "" {
			continue
		}
		m.citations = append(m.citations, datatypes.Citation{
			ID:       uuid.NewString(),
			EntityID: entityID,
			Quote:    c.Quote,
			Offset:   offset,
			JobID:    m.jobID,
		})
	}
}

// entityID returns the stable ID for a surface form, creating the
// entity on first sight.
func (m *merger) entityID(name, typ string) string {
	canonical := datatypes.CanonicalName(name)
	if canonical == "" {
		return ""
	}
	if id, ok := m.byName[canonical]; ok {
		return id
	}
	// Model output is untrusted. A type label that would not survive a
	// graph query is dropped, leaving the entity untyped for the
	// integrity check to flag.
	if validation.ValidateEntityType(typ) != nil {
		typ = ""
	}
	id := uuid.NewString()
	m.byName[canonical] = id
	m.entities = append(m.entities, datatypes.Entity{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Canonical: canonical,
		Type:      typ,
		JobID:     m.jobID,
	})
	return id
}

func (m *merger) lookup(name string) (string, bool) {
	id, ok := m.byName[datatypes.CanonicalName(name)]
	return id, ok && id != ""
}

func (m *merger) result() *datatypes.ExtractionResult {
	return &datatypes.ExtractionResult{
		Entities:      m.entities,
		Relationships: m.relations,
		Citations:     m.citations,
	}
}
