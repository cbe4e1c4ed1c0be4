// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testFactory(id string) *workflow.Workflow {
	return workflow.New(memory.NewBuffer(1000, memory.WithCounter(memory.CounterFunc(memory.ApproxCount))), workflow.Deps{}, workflow.DefaultConfig())
}

func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Create("chat_ws_1", testFactory, nil)
	require.NotNil(t, s.Workflow)

	got, ok := m.Get("chat_ws_1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Same(t, s.Workflow.Memory(), got.Memory())
	assert.Equal(t, 1, m.Len())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestManager_ExpiredGetIsMissTwice(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(time.Hour, WithClock(clock.Now))
	m.Create("s", testFactory, nil)

	clock.Advance(time.Hour + time.Second)

	_, ok := m.Get("s")
	assert.False(t, ok)
	_, ok = m.Get("s")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestManager_ExactlyTTLIsStillLive(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(time.Hour, WithClock(clock.Now))
	m.Create("s", testFactory, nil)

	clock.Advance(time.Hour)
	_, ok := m.Get("s")
	assert.True(t, ok)
}

func TestManager_GetRefreshesAccessTime(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(time.Hour, WithClock(clock.Now))
	m.Create("s", testFactory, nil)

	clock.Advance(50 * time.Minute)
	require.True(t, m.Refresh("s"))
	clock.Advance(50 * time.Minute)

	_, ok := m.Get("s")
	assert.True(t, ok)

	last, ok := m.LastAccessed("s")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last)
}

func TestManager_CreateOverwrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m := NewManager(time.Hour, WithMetrics(metrics))

	first := m.Create("s", testFactory, nil)
	cancelled := false
	require.True(t, first.TryAcquire(func() { cancelled = true }))

	second := m.Create("s", testFactory, nil)
	assert.NotSame(t, first, second)
	assert.True(t, cancelled)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get("s")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionEvictionsTotal.WithLabelValues(string(observability.EvictionOverwrite))))
}

func TestManager_DeleteCancelsRun(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Create("s", testFactory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.TryAcquire(cancel))

	m.Delete("s")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, ok := m.Get("s")
	assert.False(t, ok)

	m.Delete("s")
	m.Delete("never-existed")
}

func TestManager_SweepExpired(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	clock := newFakeClock()
	m := NewManager(time.Hour, WithClock(clock.Now), WithMetrics(metrics))

	m.Create("old-1", testFactory, nil)
	m.Create("old-2", testFactory, nil)
	clock.Advance(40 * time.Minute)
	m.Create("fresh", testFactory, nil)
	clock.Advance(30 * time.Minute)

	assert.Equal(t, 2, m.SweepExpired())
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, m.SweepExpired())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SessionEvictionsTotal.WithLabelValues(string(observability.EvictionSwept))))
}

func TestSession_RunSlot(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Create("s", testFactory, nil)

	assert.False(t, s.Busy())
	require.True(t, s.TryAcquire(func() {}))
	assert.True(t, s.Busy())
	assert.False(t, s.TryAcquire(func() {}))

	s.Release()
	assert.False(t, s.Busy())
	assert.True(t, s.TryAcquire(func() {}))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i%10)
			m.Create(id, testFactory, nil)
			m.Get(id)
			m.Refresh(id)
			if i%3 == 0 {
				m.Delete(id)
			}
			m.SweepExpired()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 10)
}
