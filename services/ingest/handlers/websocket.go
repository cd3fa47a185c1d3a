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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/GraphVault/services/ingest/observability"
	"github.com/AleutianAI/GraphVault/services/ingest/pipeline"
	"github.com/AleutianAI/GraphVault/services/ingest/progress"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ProgressWebSocket streams a job's progress updates. A subscriber
// connecting after the job finished receives the cached final update
// immediately. The stream closes after a terminal update.
func ProgressWebSocket(broadcast *progress.Broadcaster, orch *pipeline.Orchestrator, metrics *observability.IngestMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if _, err := orch.Job(c.Request.Context(), jobID); errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		updates, cancel, err := broadcast.Subscribe(c.Request.Context(), jobID)
		if err != nil {
			slog.Error("progress subscribe failed", "job_id", jobID, "error", err)
			return
		}
		defer cancel()
		if metrics != nil {
			metrics.ProgressSubscribers.Inc()
			defer metrics.ProgressSubscribers.Dec()
		}
		slog.Info("progress subscriber connected", "job_id", jobID)

		// Reader goroutine: drain control frames and detect disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				slog.Info("progress subscriber disconnected", "job_id", jobID)
				return
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case update, ok := <-updates:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(update); err != nil {
					slog.Warn("progress write failed", "job_id", jobID, "error", err)
					return
				}
				if update.Stage.Terminal() {
					ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
					return
				}
			}
		}
	}
}
