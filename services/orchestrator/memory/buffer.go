// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides the token-bounded conversation buffer owned by a
// chat session.
package memory

import (
	"sync"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
)

// DefaultTokenLimit is the token budget of a session's conversation.
const DefaultTokenLimit = 8000

// =============================================================================
// Buffer
// =============================================================================

// Buffer is an ordered, token-bounded sequence of chat messages.
//
// # Description
//
// Buffer keeps at most one system message, stored apart from the turn
// history and always returned first. User, assistant and tool turns keep
// insertion order. When a Put pushes the total over the token limit, the
// oldest turns are evicted until the history fits again. The most recent
// turn is never evicted, even when it alone exceeds the limit.
//
// # Thread Safety
//
// Safe for concurrent use. The workflow is the only writer in practice.
type Buffer struct {
	mu         sync.Mutex
	system     *datatypes.Message
	turns      []datatypes.Message
	tokenLimit int
	counter    TokenCounter
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithCounter replaces the default tiktoken counter.
func WithCounter(c TokenCounter) Option {
	return func(b *Buffer) { b.counter = c }
}

// NewBuffer creates an empty buffer. A tokenLimit <= 0 selects
// DefaultTokenLimit.
func NewBuffer(tokenLimit int, opts ...Option) *Buffer {
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}
	b := &Buffer{tokenLimit: tokenLimit}
	for _, opt := range opts {
		opt(b)
	}
	if b.counter == nil {
		b.counter = DefaultCounter()
	}
	return b
}

// Put appends a turn. A system message is routed to SetSystem.
func (b *Buffer) Put(msg datatypes.Message) {
	if msg.Role == datatypes.RoleSystem {
		b.SetSystem(msg.Content)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, msg)
	b.evictLocked()
}

// SetSystem replaces the system prompt.
func (b *Buffer) SetSystem(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = &datatypes.Message{Role: datatypes.RoleSystem, Content: content}
	b.evictLocked()
}

// Messages returns a copy of the conversation, system prompt first.
func (b *Buffer) Messages() []datatypes.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]datatypes.Message, 0, len(b.turns)+1)
	if b.system != nil {
		out = append(out, *b.system)
	}
	return append(out, b.turns...)
}

// Len returns the number of stored messages including the system prompt.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.turns)
	if b.system != nil {
		n++
	}
	return n
}

// Tokens returns the current token count of the buffer.
func (b *Buffer) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensLocked()
}

// Reset clears the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = nil
	b.turns = nil
}

// Checkpoint is a saved buffer state for Rollback.
type Checkpoint struct {
	system *datatypes.Message
	turns  []datatypes.Message
}

// Checkpoint captures the current state.
func (b *Buffer) Checkpoint() Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := Checkpoint{turns: append([]datatypes.Message(nil), b.turns...)}
	if b.system != nil {
		sys := *b.system
		cp.system = &sys
	}
	return cp
}

// Rollback restores a state captured by Checkpoint. Used to discard the
// turns of a cancelled generation.
func (b *Buffer) Rollback(cp Checkpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = cp.system
	b.turns = append([]datatypes.Message(nil), cp.turns...)
}

func (b *Buffer) evictLocked() {
	for len(b.turns) > 1 && b.tokensLocked() > b.tokenLimit {
		b.turns = b.turns[1:]
	}
}

func (b *Buffer) tokensLocked() int {
	total := 0
	if b.system != nil {
		total += b.counter.Count(b.system.Content) + perMessageOverhead
	}
	for _, m := range b.turns {
		total += b.counter.Count(m.Content) + perMessageOverhead
	}
	return total
}
