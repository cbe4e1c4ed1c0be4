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
	"errors"
	"sync"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/broker"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/prompts"
)

// =============================================================================
// Mock LLM
// =============================================================================

// mockLLM answers Chat by the system prompt it is given and streams tokens.
type mockLLM struct {
	mu sync.Mutex

	credsReply  string
	detectReply string
	chatErr     error

	tokens    []string
	streamErr error
	// blockStream waits for ctx cancellation after emitting tokens.
	blockStream bool
	// afterTokens runs once the tokens are sent, before the stream returns.
	afterTokens func()

	chatCalls   int
	streamCalls int
	streamed    [][]datatypes.Message
}

func (m *mockLLM) Chat(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls++
	if m.chatErr != nil {
		return "", m.chatErr
	}
	switch msgs[0].Content {
	case prompts.CredentialsExtraction:
		if m.credsReply == "" {
			return "NO_CREDENTIALS", nil
		}
		return m.credsReply, nil
	case prompts.LogDetection:
		if m.detectReply == "" {
			return "NO", nil
		}
		return m.detectReply, nil
	}
	return "", errors.New("unexpected prompt")
}

func (m *mockLLM) ChatStream(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	m.mu.Lock()
	m.streamCalls++
	m.streamed = append(m.streamed, append([]datatypes.Message(nil), msgs...))
	tokens, streamErr, block, after := m.tokens, m.streamErr, m.blockStream, m.afterTokens
	m.mu.Unlock()

	for _, tok := range tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if after != nil {
		after()
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return streamErr
}

func (m *mockLLM) lastStreamed() []datatypes.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streamed) == 0 {
		return nil
	}
	return m.streamed[len(m.streamed)-1]
}

// =============================================================================
// Mock Prober
// =============================================================================

type mockProber struct {
	mu     sync.Mutex
	result string
	err    error
	calls  []broker.Credentials
}

func (p *mockProber) Query(ctx context.Context, creds broker.Credentials, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, creds)
	return p.result, p.err
}

// =============================================================================
// Recording Emitter
// =============================================================================

type recordingEmitter struct {
	mu       sync.Mutex
	events   []datatypes.ServerEvent
	requests []InputRequiredEvent
	response string
}

func (r *recordingEmitter) Emit(ctx context.Context, ev datatypes.ServerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) RequestInput(ctx context.Context, req InputRequiredEvent, defaultResponse string) (HumanResponseEvent, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	resp := r.response
	r.mu.Unlock()
	if resp == "" {
		resp = defaultResponse
	}
	return HumanResponseEvent{Response: resp}, nil
}

func (r *recordingEmitter) ofType(t datatypes.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == t {
			s, _ := ev.Data.(string)
			out = append(out, s)
		}
	}
	return out
}

var byteCounter = memory.CounterFunc(func(s string) int { return len(s) })

func newTestMemory() *memory.Buffer {
	return memory.NewBuffer(1<<20, memory.WithCounter(byteCounter))
}

func brokerCreds() broker.Credentials {
	return broker.Credentials{APIEndpoint: "http://localhost:18083", Username: "admin", Password: "public"}
}
