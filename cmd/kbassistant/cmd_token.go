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
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/spf13/cobra"
)

// errNoSecret is returned when a token is requested without a signing key.
var errNoSecret = errors.New("JWT_SECRET is required to issue tokens")

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errNoSecret
	}

	ttl := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	if tokenTTL != "" {
		ttl, err = time.ParseDuration(tokenTTL)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
	}
	if ttl <= 0 {
		return fmt.Errorf("token lifetime must be positive, got %s", ttl)
	}

	token, err := middleware.IssueToken(cfg.Auth.JWTSecret, tokenSubject, tokenName, tokenEmail, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
