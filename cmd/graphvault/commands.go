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
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:   "graphvault",
		Short: "A cli to run and manage the GraphVault ingestion service",
		Long: `GraphVault ingests documents, extracts entities and relationships,
and populates a knowledge graph with verified, citation-backed facts.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	submitCmd = &cobra.Command{
		Use:   "submit [file path]",
		Short: "Submit a document to a running service for ingestion",
		Args:  cobra.ExactArgs(1),
		Run:   runSubmit, // Defined in cmd_client.go
	}

	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List ingestion jobs on a running service",
		Run:   runJobs, // Defined in cmd_client.go
	}
	jobStatusCmd = &cobra.Command{
		Use:   "status [job id]",
		Short: "Show the status of a single ingestion job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobStatus, // Defined in cmd_client.go
	}
	jobCancelCmd = &cobra.Command{
		Use:   "cancel [job id]",
		Short: "Request cancellation of an ingestion job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobCancel, // Defined in cmd_client.go
	}

	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drive the dead letter queue",
	}
	dlqListCmd = &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries",
		Run:   runDLQList, // Defined in cmd_client.go
	}
	dlqRetryCmd = &cobra.Command{
		Use:   "retry [entry id]",
		Short: "Force an immediate retry of a dead letter entry",
		Args:  cobra.ExactArgs(1),
		Run:   runDLQRetry, // Defined in cmd_client.go
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show the service health summary",
		Run:   runHealth, // Defined in cmd_client.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:12310",
		"Base URL of a running GraphVault service")
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (defaults and env vars apply when omitted)")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd)
	jobsCmd.AddCommand(jobStatusCmd, jobCancelCmd)
	rootCmd.AddCommand(serveCmd, submitCmd, jobsCmd, dlqCmd, healthCmd)
}
