// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch submits documents dropped into a directory to the
// ingestion pipeline.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// Submitter accepts a document for ingestion. Satisfied by the
// pipeline orchestrator.
type Submitter interface {
	Submit(ctx context.Context, sourceRef string, declaredSize int64) (*datatypes.Job, error)
}

// settleWindow is how long a file must go without further writes
// before it is considered fully copied into the drop directory.
const settleWindow = 500 * time.Millisecond

var ignoredSuffixes = []string{".swp", ".tmp", ".part", ".crdownload"}

// Watcher watches a single drop directory and submits each new file
// once its writes settle.
//
// # Description
//
// Files appearing in the drop directory are often written in multiple
// chunks, so Create/Write events for a path are debounced: each event
// resets a per-file timer, and the file is submitted only after the
// settle window passes with no further activity. Files removed before
// settling are never submitted.
//
// # Thread Safety
//
// All state is owned by the Run goroutine.
type Watcher struct {
	dir       string
	submit    Submitter
	fs        *fsnotify.Watcher
	logger    *slog.Logger
	settle    time.Duration
	pending   map[string]time.Time
	submitted map[string]struct{}
}

// New creates a watcher for dir. The directory is created if missing.
func New(dir string, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		dir:       dir,
		submit:    submit,
		fs:        fs,
		logger:    logger,
		settle:    settleWindow,
		pending:   map[string]time.Time{},
		submitted: map[string]struct{}{},
	}, nil
}

// Run processes events until ctx is cancelled. Files already present
// in the directory at startup are submitted first.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	w.submitExisting(ctx)

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("drop directory watch error", slog.String("error", err.Error()))
		case now := <-ticker.C:
			w.flushSettled(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.pending[event.Name] = time.Now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		delete(w.submitted, event.Name)
	}
}

func (w *Watcher) flushSettled(ctx context.Context, now time.Time) {
	for path, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, path)
		if _, done := w.submitted[path]; done {
			continue
		}
		w.submitFile(ctx, path)
	}
}

func (w *Watcher) submitExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("drop directory scan failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if shouldIgnore(path) {
			continue
		}
		w.submitFile(ctx, path)
	}
}

func (w *Watcher) submitFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	job, err := w.submit.Submit(ctx, path, info.Size())
	if err != nil {
		w.logger.Error("dropped file submission failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	w.submitted[path] = struct{}{}
	w.logger.Info("dropped file submitted",
		slog.String("path", path),
		slog.String("job_id", job.ID))
}

func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
