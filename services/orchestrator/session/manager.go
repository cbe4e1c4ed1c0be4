// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session keeps the live chat sessions of the process.
//
// A session binds an id to one workflow instance and its conversation
// memory. Sessions expire after a period without access and are evicted
// lazily on lookup or by a periodic sweep.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
)

// DefaultTTL is the idle lifetime of a session.
const DefaultTTL = time.Hour

// ErrSessionBusy is returned when a session already has a run in flight.
var ErrSessionBusy = errors.New("session is busy")

// BusyMessage is sent to clients whose session is busy.
const BusyMessage = "Session is busy, please wait for the current response to finish"

// =============================================================================
// Session
// =============================================================================

// Session is one client conversation.
//
// # Thread Safety
//
// LastAccessed is guarded by the owning Manager. The run slot is guarded by
// the session's own mutex.
type Session struct {
	ID          string
	Workflow    *workflow.Workflow
	Attachments []datatypes.FileAttachment
	CreatedAt   time.Time

	lastAccessed time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Memory returns the session's conversation memory.
func (s *Session) Memory() *memory.Buffer {
	return s.Workflow.Memory()
}

// TryAcquire claims the run slot. cancel is called if the session is
// deleted while the run is in flight. It returns false when a run already
// holds the slot.
func (s *Session) TryAcquire(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	s.cancel = cancel
	return true
}

// Release frees the run slot.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
}

// Busy reports whether a run holds the slot.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Session) cancelRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Factory builds the workflow for a new session.
type Factory func(id string) *workflow.Workflow

// =============================================================================
// Manager
// =============================================================================

// Manager maps session ids to sessions with idle expiry.
//
// # Description
//
// A session expires when now - LastAccessed exceeds the TTL. Get evicts an
// expired session and reports a miss. SweepExpired evicts all expired
// sessions at once and is driven by the ttl scheduler.
//
// # Thread Safety
//
// All methods are safe for concurrent use. None of them block on a run.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records session gauges and evictions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager. A ttl <= 0 selects DefaultTTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the idle lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create builds a session with a fresh workflow and stores it under id.
//
// An existing session with the same id is replaced. Its in-flight run, if
// any, is cancelled.
func (m *Manager) Create(id string, factory Factory, attachments []datatypes.FileAttachment) *Session {
	now := m.now()
	s := &Session{
		ID:           id,
		Workflow:     factory(id),
		Attachments:  attachments,
		CreatedAt:    now,
		lastAccessed: now,
	}

	m.mu.Lock()
	old, existed := m.sessions[id]
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	if existed {
		m.logger.Warn("Overwriting existing session", "session_id", id)
		m.metrics.RecordEviction(observability.EvictionOverwrite, 1)
		old.cancelRun()
	}
	m.metrics.SetSessionsActive(n)
	return s
}

// Get returns the live session for id and refreshes its access time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	now := m.now()
	if m.expired(s, now) {
		delete(m.sessions, id)
		m.logger.Info("Session expired", "session_id", id)
		m.metrics.RecordEviction(observability.EvictionExpired, 1)
		m.metrics.SetSessionsActive(len(m.sessions))
		s.cancelRun()
		return nil, false
	}
	s.lastAccessed = now
	return s, true
}

// Refresh marks the session as accessed. It returns false for unknown or
// expired ids.
func (m *Manager) Refresh(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// LastAccessed returns the access time of a stored session.
func (m *Manager) LastAccessed(id string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.lastAccessed, true
}

// Delete removes the session and cancels its run without waiting for it.
// Deleting an unknown id is a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.cancelRun()
	m.metrics.RecordEviction(observability.EvictionDeleted, 1)
	m.metrics.SetSessionsActive(n)
}

// SweepExpired evicts every expired session and returns how many it
// removed.
func (m *Manager) SweepExpired() int {
	now := m.now()
	var evicted []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if m.expired(s, now) {
			delete(m.sessions, id)
			evicted = append(evicted, s)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, s := range evicted {
		s.cancelRun()
	}
	if len(evicted) > 0 {
		m.logger.Info("Swept expired sessions", "count", len(evicted), "remaining", n)
		m.metrics.RecordEviction(observability.EvictionSwept, len(evicted))
	}
	m.metrics.SetSessionsActive(n)
	return len(evicted)
}

// Len returns the number of stored sessions, expired ones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	return now.Sub(s.lastAccessed) > m.ttl
}
