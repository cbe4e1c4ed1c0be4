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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emqx/emqx-knowledge-base/pkg/logging"
	"github.com/emqx/emqx-knowledge-base/pkg/ux"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/config"
	"github.com/spf13/cobra"
)

// loadConfig reads the config file and environment and applies the
// --log-level override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogger builds the process logger and installs it as the slog
// default. The caller closes it.
func setupLogger(cmd *cobra.Command, cfg config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: orchestrator.ServiceName,
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}

// newPrinter returns a printer for the command's stdout, styled when it is
// a terminal.
func newPrinter(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting knowledge base assistant",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"llm_provider", cfg.LLM.Provider,
		"store_backend", cfg.Store.Backend,
	)

	svc, err := orchestrator.New(ctx, cfg, &orchestrator.Components{Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("failed to create the service: %w", err)
	}
	return svc.Run(ctx)
}

func runInitDB(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := commandContext(cmd)
	st, err := orchestrator.OpenStore(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := orchestrator.EnsureSchema(ctx, st); err != nil {
		return fmt.Errorf("failed to create the schema: %w", err)
	}
	newPrinter(cmd).Success(fmt.Sprintf("Schema ready on the %s store", cfg.Store.Backend))
	return nil
}
