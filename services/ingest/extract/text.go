// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract turns source documents into text and text into
// structured knowledge (entities, relationships, citations).
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// TextExtractor resolves a job's source reference into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, sourceRef string) (string, error)
}

// maxDocumentBytes bounds how much text a single source may yield.
const maxDocumentBytes = 32 << 20 // 32 MiB

// FileExtractor reads text documents from the local filesystem. The
// drop-directory watcher and the upload handler both stage files on
// disk, so this is the common path.
type FileExtractor struct{}

// ExtractText reads the file at sourceRef. A missing or deleted file is
// a SOURCE_GONE failure, not a transient one.
func (FileExtractor) ExtractText(ctx context.Context, sourceRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(sourceRef)
	if errors.Is(err, os.ErrNotExist) {
		return "", datatypes.SourceGoneError(fmt.Sprintf("source file %s no longer exists", sourceRef), err)
	}
	if err != nil {
		return "", fmt.Errorf("read source file: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return "", datatypes.ValidationError(
			fmt.Sprintf("document exceeds %d byte limit", maxDocumentBytes), nil)
	}
	text := string(data)
	if !utf8.ValidString(text) {
		return "", datatypes.ValidationError("document is not valid UTF-8 text", nil)
	}
	if strings.TrimSpace(text) == "" {
		return "", datatypes.ValidationError("document contains no text", nil)
	}
	return text, nil
}

// HTTPExtractor fetches source text from an extraction service (for
// formats like PDF that need conversion). The request timeout is
// explicit so a hung converter surfaces as KindTimeout.
type HTTPExtractor struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPExtractor creates an extractor against baseURL with a 60s
// request timeout.
func NewHTTPExtractor(baseURL string) *HTTPExtractor {
	return &HTTPExtractor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// ExtractText POSTs the source reference to the conversion service and
// returns the plain-text body.
func (h *HTTPExtractor) ExtractText(ctx context.Context, sourceRef string) (string, error) {
	endpoint := h.BaseURL + "/extract?source=" + url.QueryEscape(sourceRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build extraction request: %w", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		kind := datatypes.Classify(err)
		if kind == datatypes.KindTimeout {
			return "", datatypes.TimeoutError("text extraction service timed out", err)
		}
		return "", datatypes.ConnectionError("text extraction service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", datatypes.SourceGoneError("extraction service reports source missing", nil)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", datatypes.ValidationError("extraction service rejected document", nil)
	case resp.StatusCode >= 500:
		return "", datatypes.ConnectionError(
			fmt.Sprintf("extraction service error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return "", datatypes.NewError(datatypes.KindUnknown,
			fmt.Sprintf("extraction service returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return "", datatypes.ConnectionError("read extraction response", err)
	}
	if len(body) > maxDocumentBytes {
		return "", datatypes.ValidationError(
			fmt.Sprintf("extracted text exceeds %d byte limit", maxDocumentBytes), nil)
	}
	text := string(body)
	if strings.TrimSpace(text) == "" {
		return "", datatypes.ValidationError("extraction service returned no text", nil)
	}
	return text, nil
}
