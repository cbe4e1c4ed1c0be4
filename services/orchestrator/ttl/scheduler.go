// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// =============================================================================
// TTL Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the session sweep scheduler.
//
// # Fields
//
//   - Interval: How often to sweep when CronSpec is empty. Default: 5 minutes.
//   - CronSpec: Optional standard 5-field cron expression. Takes precedence
//     over Interval when set.
type SchedulerConfig struct {
	Interval time.Duration
	CronSpec string
}

// DefaultSchedulerConfig returns a 5 minute interval and no cron spec.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 5 * time.Minute}
}

// ttlScheduler implements Scheduler for background session expiry.
//
// # Description
//
// Manages the lifecycle of a background goroutine that periodically runs
// SweepExpired. With an interval it uses the ticker + done channel
// pattern; with a cron spec it hands the job to a robfig/cron engine.
//
// # Thread Safety
//
// All public methods are thread-safe. The scheduler uses a mutex to protect
// state transitions.
type ttlScheduler struct {
	sweeper Sweeper
	logger  *slog.Logger
	config  SchedulerConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
	cron    *cron.Cron
}

var _ Scheduler = (*ttlScheduler)(nil)

// NewTTLScheduler creates a session sweep scheduler.
//
// # Inputs
//
//   - sweeper: The session store to sweep.
//   - logger: Logger for cycle results. Nil uses slog.Default().
//   - config: Interval or cron spec.
//
// # Outputs
//
//   - Scheduler: Ready to Start().
//   - error: Non-nil if the cron spec does not parse or the interval is not
//     positive.
//
// # Examples
//
//	sched, err := NewTTLScheduler(sessions, logger, DefaultSchedulerConfig())
//	if err != nil {
//	    return err
//	}
//	_ = sched.Start(ctx)
//	defer sched.Stop()
func NewTTLScheduler(sweeper Sweeper, logger *slog.Logger, config SchedulerConfig) (Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CronSpec != "" {
		if _, err := cron.ParseStandard(config.CronSpec); err != nil {
			return nil, fmt.Errorf("invalid sweep cron spec %q: %w", config.CronSpec, err)
		}
	} else if config.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", config.Interval)
	}
	return &ttlScheduler{
		sweeper: sweeper,
		logger:  logger,
		config:  config,
	}, nil
}

// Start begins the background sweep.
//
// # Description
//
// Runs until Stop() is called or ctx is cancelled. An initial sweep runs
// immediately in interval mode.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *ttlScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	if s.config.CronSpec != "" {
		s.logger.Info("Session sweep scheduler starting", "cron", s.config.CronSpec)
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.config.CronSpec, func() { s.executeCleanup(ctx) }); err != nil {
			s.running = false
			return fmt.Errorf("failed to schedule sweep: %w", err)
		}
		s.cron.Start()
		go func() {
			defer close(s.stopped)
			select {
			case <-ctx.Done():
			case <-s.done:
			}
			<-s.cron.Stop().Done()
		}()
		return nil
	}

	s.logger.Info("Session sweep scheduler starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the scheduler to stop and waits for the current sweep to
// finish. Safe to call multiple times.
func (s *ttlScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Session sweep scheduler stopping")
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow performs one sweep immediately without affecting the schedule.
func (s *ttlScheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCleanupCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *ttlScheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session sweep scheduler stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("Session sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

// executeCleanup wraps runCleanupCycle so a failed sweep never stops the
// scheduler.
func (s *ttlScheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCleanupCycle(ctx)
	if err != nil {
		s.logger.Error("Session sweep failed", "error", err)
		return
	}
	if result.SessionsDeleted > 0 {
		s.logger.Info("Session sweep completed",
			"sessions_deleted", result.SessionsDeleted,
			"duration_ms", result.DurationMs(),
		)
	} else {
		s.logger.Debug("Session sweep completed (no expired sessions)")
	}
}

func (s *ttlScheduler) runCleanupCycle(ctx context.Context) (CleanupResult, error) {
	result := CleanupResult{StartTime: time.Now()}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.SessionsDeleted = s.sweeper.SweepExpired()
	result.EndTime = time.Now()
	return result, nil
}
