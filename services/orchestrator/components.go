// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/config"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

// schemaEnsurer is implemented by stores that manage their own schema.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// OpenStore connects the knowledge store selected by store.backend.
//
// # Description
//
// "postgres" opens a pooled lib/pq connection, "weaviate" builds a
// Weaviate client from store.weaviate_url and "memory" returns an empty
// in-process store. The schema is not touched; see EnsureSchema.
//
// # Outputs
//
//   - store.KnowledgeStore: Connected store. Close it when done.
//   - error: Unknown backend, bad URL or connection failure.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.KnowledgeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Store.Backend {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:          cfg.Store.DatabaseURL,
			Dimension:    cfg.LLM.EmbeddingDimension,
			MaxOpenConns: cfg.Store.MaxOpenConns,
			MaxIdleConns: cfg.Store.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	case "weaviate":
		client, err := newWeaviateClient(cfg.Store.WeaviateURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Weaviate client initialized", "url", cfg.Store.WeaviateURL)
		return store.NewWeaviateStore(client), nil
	case "memory":
		logger.Warn("Using the in-memory knowledge store; entries are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// EnsureSchema creates tables or classes when st manages a schema. Other
// stores are left alone.
func EnsureSchema(ctx context.Context, st store.KnowledgeStore) error {
	if se, ok := st.(schemaEnsurer); ok {
		return se.EnsureSchema(ctx)
	}
	return nil
}

func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	rawURL = strings.Trim(rawURL, "\"' ")
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// NewLLM builds the chat backend selected by llm.provider.
//
// # Outputs
//
//   - llm.LLMClient: The backend, or nil with an error.
//   - error: Wraps llm.ErrNotConfigured when the API key is missing.
func NewLLM(cfg config.LLMConfig) (llm.LLMClient, error) {
	switch cfg.Provider {
	case "", "openai":
		c, err := llm.NewOpenAIClient(openAIConfig(cfg, cfg.APIKey))
		if err != nil {
			return nil, err
		}
		return c, nil
	case "anthropic":
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// NewEmbedder returns the embedding backend.
//
// # Description
//
// A dedicated embedding key always builds an OpenAI embedder. Otherwise
// the chat client is reused when it can embed. Returns nil when neither
// applies, which Anthropic-only deployments hit.
func NewEmbedder(cfg config.LLMConfig, chat llm.LLMClient) llm.Embedder {
	if cfg.EmbeddingAPIKey != "" {
		ecfg := openAIConfig(cfg, cfg.EmbeddingAPIKey)
		if cfg.Provider == "anthropic" {
			// The chat base URL points at Anthropic.
			ecfg.BaseURL = ""
		}
		c, err := llm.NewOpenAIClient(ecfg)
		if err != nil {
			return nil
		}
		return c
	}
	if e, ok := chat.(llm.Embedder); ok && e != nil {
		return e
	}
	return nil
}

func openAIConfig(cfg config.LLMConfig, apiKey string) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:         apiKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDims:  cfg.EmbeddingDimension,
		Temperature:    cfg.Temperature,
	}
}
