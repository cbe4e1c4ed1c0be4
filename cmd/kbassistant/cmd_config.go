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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const maskedValue = "********"

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.WriteDefault(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	newPrinter(cmd).Success(fmt.Sprintf("Wrote default configuration to %s", path))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(maskSecrets(cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// maskSecrets replaces keys, passwords and DSNs so the config can be
// printed.
func maskSecrets(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = maskedValue
		}
	}
	mask(&cfg.Auth.JWTSecret)
	mask(&cfg.LLM.APIKey)
	mask(&cfg.LLM.EmbeddingAPIKey)
	mask(&cfg.Store.DatabaseURL)
	return cfg
}
