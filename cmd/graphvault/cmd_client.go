// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

var apiClient = &http.Client{Timeout: 2 * time.Minute}

type submitResponse struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

type jobListResponse struct {
	Jobs  []*datatypes.Job `json:"jobs"`
	Count int              `json:"count"`
}

type dlqListResponse struct {
	Entries []*datatypes.DeadLetterEntry `json:"entries"`
	Status  *datatypes.DLQStatus         `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) {
	path := args[0]
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("Error opening %s: %v", path, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	resp, err := apiClient.Post(serverURL+"/api/documents", writer.FormDataContentType(), pr)
	if err != nil {
		log.Fatalf("Error submitting document: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fatalAPIError("submit", resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("Error decoding response: %v", err)
	}
	fmt.Printf("Submitted %s\n", path)
	fmt.Printf("Job ID: %s (stage %s)\n", out.JobID, out.Stage)
}

func runJobs(cmd *cobra.Command, args []string) {
	var out jobListResponse
	getJSON("/api/jobs", &out)

	if out.Count == 0 {
		fmt.Println("No ingestion jobs.")
		return
	}
	fmt.Printf("%-38s %-20s %-9s %s\n", "JOB", "STAGE", "PROGRESS", "SOURCE")
	for _, job := range out.Jobs {
		fmt.Printf("%-38s %-20s %8d%% %s\n", job.ID, job.Stage, job.Stage.Percent(), job.SourceRef)
	}
}

func runJobStatus(cmd *cobra.Command, args []string) {
	var job datatypes.Job
	getJSON("/api/jobs/"+args[0], &job)

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Source:   %s\n", job.SourceRef)
	fmt.Printf("Stage:    %s (%d%%)\n", job.Stage, job.Stage.Percent())
	fmt.Printf("Attempts: %d\n", job.AttemptCount)
	if job.Result == nil {
		return
	}
	if job.Result.Success {
		counts := job.Result.VerifiedCounts
		fmt.Printf("Verified: %d entities, %d relationships, %d citations\n",
			counts.Entities, counts.Relationships, counts.Citations)
	}
	for _, warning := range job.Result.Warnings {
		fmt.Printf("Warning:  %s\n", warning)
	}
	if job.Result.Reason != "" {
		fmt.Printf("Reason:   %s\n", job.Result.Reason)
	}
}

func runJobCancel(cmd *cobra.Command, args []string) {
	resp, err := apiClient.Post(serverURL+"/api/jobs/"+args[0]+"/cancel", "application/json", nil)
	if err != nil {
		log.Fatalf("Error requesting cancellation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fatalAPIError("cancel", resp)
	}
	fmt.Printf("Cancellation requested for job %s\n", args[0])
}

func runDLQList(cmd *cobra.Command, args []string) {
	var out dlqListResponse
	getJSON("/api/dlq", &out)

	if out.Status != nil {
		fmt.Printf("Depth: %d\n", out.Status.Depth)
	}
	if len(out.Entries) == 0 {
		fmt.Println("Dead letter queue is empty.")
		return
	}
	fmt.Printf("%-38s %-20s %-10s %-9s %s\n", "ENTRY", "STAGE", "STATUS", "ATTEMPTS", "ERROR")
	for _, entry := range out.Entries {
		fmt.Printf("%-38s %-20s %-10s %4d/%-4d %s\n",
			entry.ID, entry.Stage, entry.Status, entry.Attempts, entry.MaxAttempts, entry.ErrorKind)
	}
}

func runDLQRetry(cmd *cobra.Command, args []string) {
	resp, err := apiClient.Post(serverURL+"/api/dlq/"+args[0]+"/retry", "application/json", nil)
	if err != nil {
		log.Fatalf("Error requesting retry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fatalAPIError("retry", resp)
	}
	fmt.Printf("Retry scheduled for entry %s\n", args[0])
}

func runHealth(cmd *cobra.Command, args []string) {
	resp, err := apiClient.Get(serverURL + "/api/health/summary")
	if err != nil {
		log.Fatalf("Error fetching health summary: %v", err)
	}
	defer resp.Body.Close()
	// 503 still carries a full report for a CRITICAL service.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		fatalAPIError("health", resp)
	}

	var report struct {
		Status          string   `json:"status"`
		Score           int      `json:"score"`
		ActiveJobs      int      `json:"active_jobs"`
		StuckJobs       []string `json:"stuck_jobs"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		log.Fatalf("Error decoding response: %v", err)
	}
	fmt.Printf("Status: %s (score %d)\n", report.Status, report.Score)
	fmt.Printf("Active jobs: %d\n", report.ActiveJobs)
	for _, id := range report.StuckJobs {
		fmt.Printf("Stuck: %s\n", id)
	}
	for _, rec := range report.Recommendations {
		fmt.Printf("Recommendation: %s\n", rec)
	}
}

func getJSON(path string, out any) {
	resp, err := apiClient.Get(serverURL + path)
	if err != nil {
		log.Fatalf("Error contacting service: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalAPIError("get", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("Error decoding response: %v", err)
	}
}

func fatalAPIError(op string, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	log.Fatalf("Error: %s returned %s: %s", op, resp.Status, string(body))
}
