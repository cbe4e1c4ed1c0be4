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

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	tokenSubject string
	tokenName    string
	tokenEmail   string
	tokenTTL     string

	fileChannel string
	fileThread  string
	fileUser    string
	fileURL     string

	rootCmd = &cobra.Command{
		Use:   "kbassistant",
		Short: "EMQX knowledge base assistant",
		Long: `kbassistant answers EMQX questions over WebSocket and HTTP using
saved support threads, uploaded files and live broker status.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	initDBCmd = &cobra.Command{
		Use:   "init-db",
		Short: "Create the knowledge store schema",
		Args:  cobra.NoArgs,
		RunE:  runInitDB, // Defined in cmd_serve.go
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for API and WebSocket clients",
		Args:  cobra.NoArgs,
		RunE:  runToken, // Defined in cmd_token.go
	}

	// --- Ingestion ---
	ingestCmd = &cobra.Command{
		Use:     "ingest",
		Short:   "Load threads and files into the knowledge base",
		Aliases: []string{"i"},
	}
	ingestThreadCmd = &cobra.Command{
		Use:   "thread [json_file...]",
		Short: "Save one or more thread JSON files as knowledge entries",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngestThreads, // Defined in cmd_ingest.go
	}
	ingestFileCmd = &cobra.Command{
		Use:   "file [path]",
		Short: "Extract, summarize and store a file against a thread",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngestFile, // Defined in cmd_ingest.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML config file (defaults to $KB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the log level: debug, info, warn or error")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (user id)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "", "Token lifetime, e.g. 12h (defaults to auth.token_ttl_hours)")
	_ = tokenCmd.MarkFlagRequired("subject")

	ingestFileCmd.Flags().StringVar(&fileChannel, "channel", "", "Channel the file belongs to")
	ingestFileCmd.Flags().StringVar(&fileThread, "thread", "", "Thread timestamp the file belongs to")
	ingestFileCmd.Flags().StringVar(&fileUser, "user", "", "Uploader user id")
	ingestFileCmd.Flags().StringVar(&fileURL, "url", "", "Original file URL")
	_ = ingestFileCmd.MarkFlagRequired("channel")
	_ = ingestFileCmd.MarkFlagRequired("thread")

	ingestCmd.AddCommand(ingestThreadCmd, ingestFileCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, initDBCmd, tokenCmd, ingestCmd, configCmd)
}
