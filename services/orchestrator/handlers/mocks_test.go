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
	"context"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/prompts"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/retrieval"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/session"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Mock LLM
// =============================================================================

// stubLLM never finds credentials, never detects a log and streams tokens.
type stubLLM struct {
	mu        sync.Mutex
	tokens    []string
	block     bool
	// blockFirst blocks only the first stream.
	blockFirst  bool
	started     chan struct{}
	chatCalls   int
	streamCalls int
}

func (s *stubLLM) Chat(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams) (string, error) {
	s.mu.Lock()
	s.chatCalls++
	s.mu.Unlock()
	if msgs[0].Content == prompts.LogDetection {
		return "NO", nil
	}
	return "NO_CREDENTIALS", nil
}

func (s *stubLLM) ChatStream(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	s.mu.Lock()
	s.streamCalls++
	block := s.block || (s.blockFirst && s.streamCalls == 1)
	s.mu.Unlock()

	for _, tok := range s.tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *stubLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

// =============================================================================
// Fixtures
// =============================================================================

// testFactory builds workflows over st. A nil client leaves the LLM unset.
func testFactory(client *stubLLM, st store.KnowledgeStore, cfg workflow.Config) session.Factory {
	retriever := retrieval.NewRetriever(fixedEmbedder{vec: []float32{1, 0, 0, 0}}, st, 4, nil)
	return func(id string) *workflow.Workflow {
		deps := workflow.Deps{Retriever: retriever}
		if client != nil {
			deps.LLM = client
		}
		mem := memory.NewBuffer(1<<20, memory.WithCounter(memory.CounterFunc(func(s string) int { return len(s) })))
		return workflow.New(mem, deps, cfg)
	}
}

func newSessions() *session.Manager {
	return session.NewManager(time.Hour)
}
