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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	evict int
}

func (c *countingSweeper) SweepExpired() int {
	c.calls.Add(1)
	return c.evict
}

func TestNewTTLScheduler_Validation(t *testing.T) {
	_, err := NewTTLScheduler(&countingSweeper{}, nil, SchedulerConfig{})
	assert.Error(t, err)

	_, err = NewTTLScheduler(&countingSweeper{}, nil, SchedulerConfig{CronSpec: "not a cron"})
	assert.Error(t, err)

	_, err = NewTTLScheduler(&countingSweeper{}, nil, SchedulerConfig{CronSpec: "*/5 * * * *"})
	assert.NoError(t, err)

	_, err = NewTTLScheduler(&countingSweeper{}, nil, DefaultSchedulerConfig())
	assert.NoError(t, err)
}

func TestScheduler_RunNow(t *testing.T) {
	sw := &countingSweeper{evict: 3}
	sched, err := NewTTLScheduler(sw, nil, DefaultSchedulerConfig())
	require.NoError(t, err)

	result, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.SessionsDeleted)
	assert.Equal(t, int32(1), sw.calls.Load())
	assert.GreaterOrEqual(t, result.DurationMs(), int64(0))
}

func TestScheduler_RunNowCancelled(t *testing.T) {
	sw := &countingSweeper{}
	sched, err := NewTTLScheduler(sw, nil, DefaultSchedulerConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sched.RunNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), sw.calls.Load())
}

func TestScheduler_IntervalLoop(t *testing.T) {
	sw := &countingSweeper{}
	sched, err := NewTTLScheduler(sw, nil, SchedulerConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	assert.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	after := sw.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sw.calls.Load())
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	sw := &countingSweeper{}
	sched, err := NewTTLScheduler(sw, nil, SchedulerConfig{Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	assert.Eventually(t, func() bool { return sw.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, sched.Stop())
}

func TestScheduler_CronStartStop(t *testing.T) {
	sw := &countingSweeper{}
	sched, err := NewTTLScheduler(sw, nil, SchedulerConfig{CronSpec: "@every 1h"})
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
	assert.Equal(t, int32(0), sw.calls.Load())
}

func TestSweeperFunc(t *testing.T) {
	var s Sweeper = SweeperFunc(func() int { return 7 })
	assert.Equal(t, 7, s.SweepExpired())
}
