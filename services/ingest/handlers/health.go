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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GraphVault/services/ingest/health"
)

// HealthSummary runs a fresh health scan and returns the full report.
func HealthSummary(monitor *health.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := monitor.Check(c.Request.Context())
		if err != nil {
			slog.Error("health check failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "health check failed"})
			return
		}
		code := http.StatusOK
		if report.Status == health.StatusCritical {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

// Healthz is the cheap liveness probe: it reports only that the
// process is serving, without touching dependencies.
func Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
