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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	chunkSize    = 4000
	chunkOverlap = 200
)

var markdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " "}
var defaultSeparators = []string{"\n\n", "\n", ". ", " "}

// splitterForSource picks a splitter whose separators follow the
// document's structure so chunks break at section boundaries.
func splitterForSource(sourceRef string) textsplitter.TextSplitter {
	switch strings.ToLower(filepath.Ext(sourceRef)) {
	case ".md", ".markdown":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		)
	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}

// SplitText chunks text for per-chunk LLM extraction. Chunks overlap so
// an entity mention straddling a boundary appears whole in at least one
// chunk.
func SplitText(sourceRef, text string) ([]string, error) {
	chunks, err := splitterForSource(sourceRef).SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
