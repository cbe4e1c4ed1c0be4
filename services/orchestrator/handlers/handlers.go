// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP and WebSocket handlers of the
// knowledge-base assistant.
//
// # Endpoints
//
//   - Gateway: the chat WebSocket, one session per connection
//   - AskHandler: one-shot question and log analysis endpoints, plus an
//     SSE variant of the question endpoint
//   - KnowledgeHandler: thread and file ingestion
//   - HealthCheck / ReadinessCheck: liveness and store readiness
//
// Errors returned to clients never carry internal details; see
// sanitizeErrorForClient.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

const (
	// genericErrorMessage is the only failure text clients see for
	// unexpected errors.
	genericErrorMessage = "An error occurred while processing your request"

	// timeoutErrorMessage is returned with 504 when a request budget expires.
	timeoutErrorMessage = "Request timed out"

	readinessTimeout = 5 * time.Second
)

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Internal error details (stack traces, file paths, upstream service
// responses) must not be exposed to clients. The raw error is logged at
// Debug and a generic, safe message is returned.
//
// # Inputs
//
//   - err: Raw error (may contain internal details). May be nil.
//
// # Outputs
//
//   - string: Sanitized error message safe for client display.
func sanitizeErrorForClient(err error) string {
	if err != nil {
		slog.Debug("Sanitizing error for client", "original_error", err.Error())
	}
	return genericErrorMessage
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, datatypes.ErrorResponse{Error: msg})
}

// =============================================================================
// Health
// =============================================================================

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Pinger is satisfied by every knowledge store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck reports whether the knowledge store answers. It returns
// 503 while the store is unreachable.
func ReadinessCheck(p Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		if p == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		if err := p.Ping(ctx); err != nil {
			slog.Warn("Readiness check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
