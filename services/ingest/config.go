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
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the ingestion service configuration. Values load from a
// YAML file, then environment variables override, then defaults fill
// the rest.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// DataDir is the directory for the embedded database and spooled
	// uploads. Default: ./data
	DataDir string `yaml:"data_dir"`

	// WatchDir, when set, is a drop directory scanned for new
	// documents to ingest automatically.
	WatchDir string `yaml:"watch_dir"`

	// WeaviateURL is the graph store URL. If empty, an in-memory store
	// is used (development only).
	WeaviateURL string `yaml:"weaviate_url" validate:"omitempty,url"`

	// ExtractorURL is an optional text-conversion service for formats
	// like PDF. If empty, sources are read as plain text files.
	ExtractorURL string `yaml:"extractor_url" validate:"omitempty,url"`

	// EntityExtractorURL is an optional external entity-extraction
	// service. When empty, extraction goes directly to the OpenAI API.
	EntityExtractorURL string `yaml:"entity_extractor_url" validate:"omitempty,url"`

	// OTelEndpoint is the OpenTelemetry collector endpoint. If empty,
	// tracing is disabled.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics exposes Prometheus metrics at /metrics.
	// Default: true.
	EnableMetrics *bool `yaml:"enable_metrics"`

	// GinMode sets the Gin framework mode (debug, release, test).
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// MaxConcurrent bounds simultaneously processing jobs. Default 4.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`

	// BreakerFailureThreshold is consecutive failures before a
	// dependency's circuit opens. Default 5.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" validate:"gte=0"`

	// BreakerRecoveryTimeout is how long an open circuit waits before a
	// half-open trial. Default 60s.
	BreakerRecoveryTimeout time.Duration `yaml:"breaker_recovery_timeout"`

	// DLQMaxAttempts bounds automatic retries per dead-letter entry.
	// Default 3.
	DLQMaxAttempts int `yaml:"dlq_max_attempts" validate:"gte=0"`

	// DLQPollInterval is the retry worker scan interval. Default 5s.
	DLQPollInterval time.Duration `yaml:"dlq_poll_interval"`

	// HealthInterval is the health monitor scan interval. Default 30s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// StuckTimeout is the heartbeat age after which a job counts as
	// stuck. Default 5m.
	StuckTimeout time.Duration `yaml:"stuck_timeout"`

	// LogDir, when set, mirrors logs to a file under this directory.
	LogDir string `yaml:"log_dir"`

	// LogJSON switches file logging to JSON. Default true.
	LogJSON *bool `yaml:"log_json"`
}

// LoadConfig reads path (optional), applies environment overrides, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg = cfg.withDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GRAPHVAULT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("GRAPHVAULT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GRAPHVAULT_WATCH_DIR"); v != "" {
		c.WatchDir = v
	}
	if v := os.Getenv("WEAVIATE_URL"); v != "" {
		c.WeaviateURL = v
	}
	if v := os.Getenv("GRAPHVAULT_EXTRACTOR_URL"); v != "" {
		c.ExtractorURL = v
	}
	if v := os.Getenv("GRAPHVAULT_ENTITY_EXTRACTOR_URL"); v != "" {
		c.EntityExtractorURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTelEndpoint = v
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		c.GinMode = v
	}
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 12310
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.EnableMetrics == nil {
		t := true
		c.EnableMetrics = &t
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerRecoveryTimeout == 0 {
		c.BreakerRecoveryTimeout = 60 * time.Second
	}
	if c.DLQMaxAttempts == 0 {
		c.DLQMaxAttempts = 3
	}
	if c.DLQPollInterval == 0 {
		c.DLQPollInterval = 5 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StuckTimeout == 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	if c.LogJSON == nil {
		t := true
		c.LogJSON = &t
	}
	return c
}
