// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes ServerEvents as Server-Sent Events.
//
// # Description
//
// SSEWriter carries the same event vocabulary as the chat socket over a
// plain HTTP response, for clients that cannot open a WebSocket. Each frame
// is written as
//
//	event: <type>
//	data: {"id":..., "created_at":..., "data":..., "hash":..., "prev_hash":...}
//
// Every frame carries a SHA-256 hash of its content and the hash of the
// previous frame, so a client can verify it saw the stream in order.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Caller has called SetSSEHeaders before the first write.
type SSEWriter interface {
	// WriteEvent writes one event and flushes.
	WriteEvent(ev datatypes.ServerEvent) error

	// WriteKeepAlive writes an SSE comment. It does not advance the hash
	// chain.
	WriteKeepAlive() error
}

// sseFrame is the JSON payload of one SSE frame.
type sseFrame struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Data      any    `json:"data"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	mu       sync.Mutex
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	now      func() time.Time
}

// NewSSEWriter wraps w. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{
		writer:  w,
		flusher: flusher,
		now:     time.Now,
	}, nil
}

func (w *sseWriter) WriteEvent(ev datatypes.ServerEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	frame := sseFrame{
		ID:        uuid.New().String(),
		CreatedAt: w.now().UnixMilli(),
		Data:      json.RawMessage(payload),
		PrevHash:  w.prevHash,
	}
	frame.Hash = frameHash(frame, ev.Type, payload)
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// frameHash covers the metadata, the type and the serialized data.
func frameHash(f sseFrame, typ datatypes.EventType, payload []byte) string {
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s", f.ID, typ, f.CreatedAt, f.PrevHash, payload)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response for event streaming. It disables
// proxy buffering with X-Accel-Buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
