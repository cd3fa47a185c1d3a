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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

func TestFileExtractorReadsText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("hello graph"), 0o600); err != nil {
		t.Fatal(err)
	}

	text, err := FileExtractor{}.ExtractText(context.Background(), path)
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "hello graph" {
		t.Errorf("text = %q", text)
	}
}

func TestFileExtractorMissingFileIsSourceGone(t *testing.T) {
	_, err := FileExtractor{}.ExtractText(context.Background(), "/nonexistent/doc.txt")
	if kind := datatypes.Classify(err); kind != datatypes.KindSourceGone {
		t.Errorf("kind = %s, want SOURCE_GONE", kind)
	}
}

func TestFileExtractorEmptyFileIsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, []byte("  \n\t"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := FileExtractor{}.ExtractText(context.Background(), path)
	if kind := datatypes.Classify(err); kind != datatypes.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", kind)
	}
}

func TestHTTPExtractorStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   datatypes.ErrorKind
	}{
		{"server error", http.StatusBadGateway, "", datatypes.KindConnection},
		{"gone", http.StatusGone, "", datatypes.KindSourceGone},
		{"unprocessable", http.StatusUnprocessableEntity, "", datatypes.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewHTTPExtractor(srv.URL)
			_, err := h.ExtractText(context.Background(), "doc.pdf")
			if kind := datatypes.Classify(err); kind != tt.want {
				t.Errorf("kind = %s, want %s", kind, tt.want)
			}
		})
	}
}

func TestHTTPExtractorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("source"); got != "doc.pdf" {
			t.Errorf("source param = %q", got)
		}
		w.Write([]byte("converted text"))
	}))
	defer srv.Close()

	h := NewHTTPExtractor(srv.URL)
	text, err := h.ExtractText(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "converted text" {
		t.Errorf("text = %q", text)
	}
}

func TestHTTPEntityExtractorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req entityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.JobID != "job-1" || req.Text == "" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entities":[{"name":"Ada","type":"person"}],
			"relationships":[],"citations":[{"entity":"Ada","quote":"Ada said"}]}`))
	}))
	defer srv.Close()

	h := NewHTTPEntityExtractor(srv.URL)
	result, err := h.ExtractEntities(context.Background(), "job-1", "doc.txt", "Ada said things.")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if len(result.Entities) != 1 || len(result.Citations) != 1 {
		t.Errorf("result = %d entities, %d citations", len(result.Entities), len(result.Citations))
	}
	if result.Entities[0].JobID != "job-1" {
		t.Errorf("entity missing job id")
	}
}

func TestHTTPEntityExtractorErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   datatypes.ErrorKind
	}{
		{"server error", http.StatusServiceUnavailable, "", datatypes.KindConnection},
		{"unprocessable", http.StatusUnprocessableEntity, "", datatypes.KindValidation},
		{"malformed body", http.StatusOK, "not json", datatypes.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := NewHTTPEntityExtractor(srv.URL)
			_, err := h.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
			if kind := datatypes.Classify(err); kind != tt.want {
				t.Errorf("kind = %s, want %s", kind, tt.want)
			}
		})
	}
}

func TestSplitTextDropsEmptyChunks(t *testing.T) {
	chunks, err := SplitText("doc.txt", "alpha\n\nbeta")
	if err != nil {
		t.Fatalf("SplitText() error = %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			t.Error("empty chunk survived")
		}
	}
}

// fakeChat returns canned JSON per call, or an error.
type fakeChat struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.responses[idx]}},
		},
	}, nil
}

func TestLLMExtractorMergesAndDeduplicates(t *testing.T) {
	fake := &fakeChat{responses: []string{
		`{"entities":[{"name":"Ada Lovelace","type":"person"},{"name":"Analytical Engine","type":"artifact"}],
		  "relationships":[{"from":"Ada Lovelace","to":"Analytical Engine","predicate":"worked_on"}],
		  "citations":[{"entity":"Ada Lovelace","quote":"Ada wrote the first program"}]}`,
	}}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	result, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "Ada wrote the first program.")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if len(result.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(result.Entities))
	}
	if len(result.Relationships) != 1 {
		t.Errorf("relationships = %d, want 1", len(result.Relationships))
	}
	if len(result.Citations) != 1 {
		t.Errorf("citations = %d, want 1", len(result.Citations))
	}
	for _, e := range result.Entities {
		if e.JobID != "job-1" {
			t.Errorf("entity %s missing job id", e.Name)
		}
	}
	rel := result.Relationships[0]
	if rel.FromID == "" || rel.ToID == "" || rel.FromID == rel.ToID {
		t.Errorf("relationship endpoints not resolved: %+v", rel)
	}
}

func TestLLMExtractorDropsUnsafeEntityTypes(t *testing.T) {
	fake := &fakeChat{responses: []string{
		`{"entities":[{"name":"Acme Corp","type":"org; DROP"},{"name":"Bob","type":"person"}],
		  "relationships":[],"citations":[]}`,
	}}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	result, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	for _, e := range result.Entities {
		switch e.Name {
		case "Acme Corp":
			if e.Type != "" {
				t.Errorf("unsafe type kept: %q", e.Type)
			}
		case "Bob":
			if e.Type != "person" {
				t.Errorf("safe type lost: %q", e.Type)
			}
		}
	}
}

func TestLLMExtractorDropsDanglingReferences(t *testing.T) {
	fake := &fakeChat{responses: []string{
		`{"entities":[{"name":"Known","type":"concept"}],
		  "relationships":[{"from":"Known","to":"Never Extracted","predicate":"relates_to"}],
		  "citations":[{"entity":"Ghost","quote":"..."}]}`,
	}}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	result, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if len(result.Relationships) != 0 {
		t.Errorf("dangling relationship kept: %+v", result.Relationships)
	}
	if len(result.Citations) != 0 {
		t.Errorf("dangling citation kept: %+v", result.Citations)
	}
}

func TestLLMExtractorMalformedJSONIsValidation(t *testing.T) {
	fake := &fakeChat{responses: []string{`this is not json`}}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	_, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
	if kind := datatypes.Classify(err); kind != datatypes.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", kind)
	}
}

func TestLLMExtractorAPIErrorClassification(t *testing.T) {
	fake := &fakeChat{err: &openai.APIError{HTTPStatusCode: 503}}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	_, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
	if kind := datatypes.Classify(err); kind != datatypes.KindConnection {
		t.Errorf("kind = %s, want CONNECTION", kind)
	}
}

func TestLLMExtractorCancelled(t *testing.T) {
	fake := &fakeChat{err: context.Canceled}
	l := &LLMExtractor{client: fake, model: "test", logger: testLogger()}

	_, err := l.ExtractEntities(context.Background(), "job-1", "doc.txt", "text")
	if kind := datatypes.Classify(err); kind != datatypes.KindCancelled {
		t.Errorf("kind = %s, want CANCELLED", kind)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
