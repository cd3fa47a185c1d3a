// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GraphVault/services/ingest/dlq"
)

// ListDeadLetters returns all dead-letter entries with a queue summary.
func ListDeadLetters(queue *dlq.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		entries, err := queue.List(ctx)
		if err != nil {
			slog.Error("dead-letter list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
			return
		}
		status, err := queue.Status(ctx)
		if err != nil {
			slog.Error("dead-letter status failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize dead letters"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "status": status})
	}
}

// RetryDeadLetter forces an entry to become immediately due, including
// MANUAL and ESCALATED entries. This is the operator override path.
func RetryDeadLetter(queue *dlq.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := queue.ForceRetry(c.Request.Context(), c.Param("id"))
		if errors.Is(err, dlq.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
			return
		}
		if err != nil {
			slog.Error("force retry failed", "entry_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule retry"})
			return
		}
		slog.Info("dead-letter entry forced for retry", "entry_id", entry.ID, "job_id", entry.JobID)
		c.JSON(http.StatusAccepted, entry)
	}
}
