// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 12310 {
		t.Errorf("Port = %d, want 12310", cfg.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("BreakerFailureThreshold = %d, want 5", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerRecoveryTimeout != 60*time.Second {
		t.Errorf("BreakerRecoveryTimeout = %v, want 60s", cfg.BreakerRecoveryTimeout)
	}
	if cfg.StuckTimeout != 5*time.Minute {
		t.Errorf("StuckTimeout = %v, want 5m", cfg.StuckTimeout)
	}
	if cfg.EnableMetrics == nil || !*cfg.EnableMetrics {
		t.Error("EnableMetrics should default to true")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("port: 9000\ndata_dir: /var/lib/graphvault\nmax_concurrent: 8\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.DataDir != "/var/lib/graphvault" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.MaxConcurrent)
	}
	// Unset fields still fall back to defaults.
	if cfg.DLQMaxAttempts != 3 {
		t.Errorf("DLQMaxAttempts = %d, want 3", cfg.DLQMaxAttempts)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("GRAPHVAULT_PORT", "8111")
	t.Setenv("WEAVIATE_URL", "http://weaviate:8080")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8111 {
		t.Errorf("Port = %d, want 8111", cfg.Port)
	}
	if cfg.WeaviateURL != "http://weaviate:8080" {
		t.Errorf("WeaviateURL = %q", cfg.WeaviateURL)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 70000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
