// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the background expiry of idle chat sessions.
package ttl

import (
	"context"
	"time"
)

// =============================================================================
// Interfaces
// =============================================================================

// Sweeper evicts expired items and reports how many it removed.
//
// # Description
//
// Implemented by session.Manager. SweepExpired must be safe to call
// concurrently with normal session traffic.
type Sweeper interface {
	SweepExpired() int
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func() int

func (f SweeperFunc) SweepExpired() int { return f() }

// Scheduler drives a Sweeper in the background.
//
// # Description
//
// Start launches the background loop; Stop ends it and is safe to call
// more than once. RunNow performs one sweep synchronously.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RunNow(ctx context.Context) (CleanupResult, error)
}

// =============================================================================
// Types
// =============================================================================

// CleanupResult summarizes one sweep.
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	SessionsDeleted int
}

// Duration returns the total duration of the sweep.
func (r *CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *CleanupResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}
