// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
)

// Emitter receives the side-channel events of a run.
//
// # Description
//
// A run is the single producer. Emit must preserve order. RequestInput
// emits an input_required event and blocks until a response, the input
// timeout (returning defaultResponse) or ctx cancellation.
type Emitter interface {
	Emit(ctx context.Context, ev datatypes.ServerEvent) error
	RequestInput(ctx context.Context, req InputRequiredEvent, defaultResponse string) (HumanResponseEvent, error)
}

// =============================================================================
// Channel Emitter
// =============================================================================

// ChannelEmitter delivers events through a bounded channel.
//
// # Description
//
// Emit blocks while the buffer is full, so a slow consumer applies
// backpressure to token generation instead of growing memory. The consumer
// reads Events() until the producer calls Close.
//
// # Thread Safety
//
// One producer goroutine calls Emit, RequestInput and Close. Any goroutine
// may call Respond.
type ChannelEmitter struct {
	events       chan datatypes.ServerEvent
	responses    chan HumanResponseEvent
	inputTimeout time.Duration
}

var _ Emitter = (*ChannelEmitter)(nil)

// NewChannelEmitter creates an emitter with the given buffer size and
// input wait.
func NewChannelEmitter(buffer int, inputTimeout time.Duration) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	if inputTimeout <= 0 {
		inputTimeout = 60 * time.Second
	}
	return &ChannelEmitter{
		events:       make(chan datatypes.ServerEvent, buffer),
		responses:    make(chan HumanResponseEvent, 1),
		inputTimeout: inputTimeout,
	}
}

// Events is the consumer side.
func (e *ChannelEmitter) Events() <-chan datatypes.ServerEvent {
	return e.events
}

// Close ends the stream. Only the producer may call it, once.
func (e *ChannelEmitter) Close() {
	close(e.events)
}

// Emit queues ev. Nothing is queued once ctx is done, even when the buffer
// has room.
func (e *ChannelEmitter) Emit(ctx context.Context, ev datatypes.ServerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ChannelEmitter) RequestInput(ctx context.Context, req InputRequiredEvent, defaultResponse string) (HumanResponseEvent, error) {
	// Drop a stale answer from an earlier request.
	select {
	case <-e.responses:
	default:
	}

	if err := e.Emit(ctx, datatypes.ServerEvent{Type: datatypes.EventInputRequired, Data: req.Prompt}); err != nil {
		return HumanResponseEvent{}, err
	}

	timer := time.NewTimer(e.inputTimeout)
	defer timer.Stop()
	select {
	case resp := <-e.responses:
		return resp, nil
	case <-timer.C:
		return HumanResponseEvent{Response: defaultResponse}, nil
	case <-ctx.Done():
		return HumanResponseEvent{}, ctx.Err()
	}
}

// Respond delivers a client answer. It returns false when an earlier answer
// is still unread.
func (e *ChannelEmitter) Respond(resp HumanResponseEvent) bool {
	select {
	case e.responses <- resp:
		return true
	default:
		return false
	}
}

// =============================================================================
// Discard Emitter
// =============================================================================

// DiscardEmitter drops every event and answers input requests with the
// default. Used by request/response endpoints that only need the result.
type DiscardEmitter struct{}

var _ Emitter = DiscardEmitter{}

func (DiscardEmitter) Emit(ctx context.Context, ev datatypes.ServerEvent) error {
	return ctx.Err()
}

func (DiscardEmitter) RequestInput(ctx context.Context, req InputRequiredEvent, defaultResponse string) (HumanResponseEvent, error) {
	return HumanResponseEvent{Response: defaultResponse}, ctx.Err()
}
