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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// HTTPEntityExtractor delegates entity extraction to an external
// service instead of calling a model directly. The service receives the
// full text and returns the same entities/relationships/citations JSON
// shape the model prompt demands, so results flow through the same
// merger.
type HTTPEntityExtractor struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPEntityExtractor creates an extractor against baseURL with a
// 120s request timeout; extraction over a large document is slow.
func NewHTTPEntityExtractor(baseURL string) *HTTPEntityExtractor {
	return &HTTPEntityExtractor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type entityRequest struct {
	JobID     string `json:"job_id"`
	SourceRef string `json:"source_ref"`
	Text      string `json:"text"`
}

// ExtractEntities POSTs the text to the extraction service and merges
// the returned candidates.
func (h *HTTPEntityExtractor) ExtractEntities(ctx context.Context, jobID, sourceRef, text string) (*datatypes.ExtractionResult, error) {
	payload, err := json.Marshal(entityRequest{JobID: jobID, SourceRef: sourceRef, Text: text})
	if err != nil {
		return nil, fmt.Errorf("build entity extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/entities", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build entity extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		kind := datatypes.Classify(err)
		if kind == datatypes.KindTimeout {
			return nil, datatypes.TimeoutError("entity extraction service timed out", err)
		}
		return nil, datatypes.ConnectionError("entity extraction service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, datatypes.ValidationError("entity extraction service rejected document", nil)
	case resp.StatusCode >= 500:
		return nil, datatypes.ConnectionError(
			fmt.Sprintf("entity extraction service error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, datatypes.NewError(datatypes.KindUnknown,
			fmt.Sprintf("entity extraction service returned status %d", resp.StatusCode), nil)
	}

	var raw rawExtraction
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, datatypes.ValidationError("entity extraction service returned malformed JSON", err)
	}

	merge := newMerger(jobID)
	merge.add(&raw, 0)
	result := merge.result()
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}
