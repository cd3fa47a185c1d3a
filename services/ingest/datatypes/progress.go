// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// ProgressUpdate is one immutable progress event for a job.
//
// Within a job, Percent is monotonically non-decreasing and updates
// are delivered to each subscriber in publish order.
type ProgressUpdate struct {
	JobID string `json:"job_id"`

	Stage Stage `json:"stage"`

	// Percent is 0-100.
	Percent int `json:"percent"`

	// Message is operator-safe; raw internal errors never appear here.
	Message string `json:"message"`

	// Metrics carries stage counters such as entities_found.
	Metrics map[string]int `json:"metrics,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
