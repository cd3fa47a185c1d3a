// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in file paths or graph queries. Using these validators prevents path
// traversal out of spool directories and injection through entity names.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxSourceRefLen bounds source references; longer values are almost
// certainly pasted content rather than a path or URL.
const maxSourceRefLen = 4096

// entityTypePattern matches graph entity type labels.
// Allows: letters, digits, underscores, max 64 characters.
var entityTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// ValidateSourceRef validates a document source reference before it is
// handed to a text extractor.
//
// Valid references:
//   - non-empty, at most 4096 bytes, valid UTF-8
//   - no NUL bytes or control characters
//   - no ".." path elements (path traversal)
//
// Returns an error if the reference is invalid.
//
// Example:
//
//	if err := validation.ValidateSourceRef(req.SourceRef); err != nil {
//	    return nil, datatypes.ValidationError("bad source reference", err)
//	}
func ValidateSourceRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("source reference cannot be empty")
	}
	if len(ref) > maxSourceRefLen {
		return fmt.Errorf("source reference exceeds %d bytes", maxSourceRefLen)
	}
	if !utf8.ValidString(ref) {
		return fmt.Errorf("source reference is not valid UTF-8")
	}
	for _, r := range ref {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("source reference contains control characters")
		}
	}
	for _, elem := range strings.Split(filepath.ToSlash(ref), "/") {
		if elem == ".." {
			return fmt.Errorf("source reference contains a parent-directory element")
		}
	}
	return nil
}

// ValidateEntityType validates a graph entity type label.
// Returns an error if the label could alter a graph query.
func ValidateEntityType(entityType string) error {
	if entityType == "" {
		return nil // untyped entities are allowed, flagged later by integrity checks
	}
	if !entityTypePattern.MatchString(entityType) {
		return fmt.Errorf("invalid entity type %q (must be 1-64 alphanumeric or underscore chars, starting with a letter)", entityType)
	}
	return nil
}

// SanitizeFilename normalizes an uploaded filename for spooling.
// Returns the base name with control characters stripped, or an error
// if nothing usable remains.
//
// Use this before joining a client-supplied name into the spool
// directory:
//
//	name, err := validation.SanitizeFilename(header.Filename)
//	if err != nil {
//	    return err
//	}
//	path := filepath.Join(spoolDir, name)
func SanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, base)
	if cleaned == "" || cleaned == "." || cleaned == ".." || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("unusable filename %q", name)
	}
	return cleaned, nil
}
