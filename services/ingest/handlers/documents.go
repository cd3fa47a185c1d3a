// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the ingestion pipeline over HTTP.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/GraphVault/pkg/validation"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/pipeline"
)

// SubmitDocumentRequest is the JSON body for referencing an already
// staged document instead of uploading one.
type SubmitDocumentRequest struct {
	SourceRef    string `json:"source_ref" binding:"required"`
	DeclaredSize int64  `json:"declared_size"`
}

// SubmitDocument accepts a document for ingestion. Multipart uploads
// are spooled to disk first; JSON bodies reference a staged file.
func SubmitDocument(orch *pipeline.Orchestrator, spoolDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sourceRef, declaredSize, err := resolveSource(c, spoolDir)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		job, err := orch.Submit(c.Request.Context(), sourceRef, declaredSize)
		if err != nil {
			if datatypes.Classify(err) == datatypes.KindValidation {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": datatypes.UserMessage(err)})
				return
			}
			slog.Error("document submission failed", "source", sourceRef, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept document"})
			return
		}

		slog.Info("document accepted", "job_id", job.ID, "source", sourceRef)
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": job.ID,
			"stage":  job.Stage,
		})
	}
}

// resolveSource spools a multipart upload or reads a JSON reference.
func resolveSource(c *gin.Context, spoolDir string) (string, int64, error) {
	contentType := c.GetHeader("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return "", 0, errors.New("multipart request missing 'file' field")
		}
		defer file.Close()

		if err := os.MkdirAll(spoolDir, 0750); err != nil {
			return "", 0, fmt.Errorf("prepare spool directory: %w", err)
		}
		base, err := validation.SanitizeFilename(header.Filename)
		if err != nil {
			base = "upload"
		}
		path := filepath.Join(spoolDir, uuid.NewString()+"_"+base)
		out, err := os.Create(path)
		if err != nil {
			return "", 0, fmt.Errorf("spool upload: %w", err)
		}
		defer out.Close()
		size, err := io.Copy(out, file)
		if err != nil {
			os.Remove(path)
			return "", 0, fmt.Errorf("spool upload: %w", err)
		}
		return path, size, nil
	}

	var req SubmitDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", 0, errors.New("body must be multipart upload or JSON with source_ref")
	}
	if err := validation.ValidateSourceRef(req.SourceRef); err != nil {
		return "", 0, err
	}
	return req.SourceRef, req.DeclaredSize, nil
}

// GetJob returns the current state of one job.
func GetJob(orch *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orch.Job(c.Request.Context(), c.Param("id"))
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if err != nil {
			slog.Error("job lookup failed", "job_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListJobs returns all jobs, newest first. An optional ?stage= query
// narrows the result to one stage.
func ListJobs(orch *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := orch.Jobs(c.Request.Context())
		if err != nil {
			slog.Error("job list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
			return
		}
		if stage := c.Query("stage"); stage != "" {
			filtered := jobs[:0]
			for _, job := range jobs {
				if string(job.Stage) == stage {
					filtered = append(filtered, job)
				}
			}
			jobs = filtered
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// CancelJob flags a job for cooperative cancellation.
func CancelJob(orch *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := orch.Cancel(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, pipeline.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, pipeline.ErrTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		case err != nil:
			slog.Error("cancel failed", "job_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		default:
			c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
		}
	}
}
