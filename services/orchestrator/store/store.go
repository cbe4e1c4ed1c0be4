// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists knowledge entries and file attachments with their
// embeddings and answers vector similarity queries over them.
//
// Three backends implement KnowledgeStore:
//
//   - PostgresStore: Postgres with the pgvector extension (production)
//   - WeaviateStore: a Weaviate instance with client-supplied vectors
//   - MemoryStore: an in-process store for tests and lightweight mode
//
// Similarity is always cosine similarity expressed as 1 - cosine_distance,
// and similarity queries keep only rows strictly above the threshold.
package store

import (
	"context"
	"errors"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/emqx/emqx-knowledge-base/store")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")
)

// =============================================================================
// Result Types
// =============================================================================

// ScoredEntry is a knowledge entry with its similarity to a query vector.
type ScoredEntry struct {
	Entry      datatypes.KnowledgeEntry
	Similarity float64
}

// ScoredFile is a file attachment with its similarity to a query vector.
type ScoredFile struct {
	File       datatypes.FileAttachment
	Similarity float64
}

// =============================================================================
// Interface Definition
// =============================================================================

// KnowledgeStore is the vector store consumed by retrieval and ingestion.
//
// # Description
//
// SaveKnowledge upserts by (ChannelID, ThreadTS): saving the same thread
// again replaces content and embedding and advances UpdatedAt, keeping the
// original ID and CreatedAt. Similarity queries return results ordered by
// descending similarity, limited to limit rows, and exclude rows whose
// similarity is less than or equal to threshold.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KnowledgeStore interface {
	SaveKnowledge(ctx context.Context, entry *datatypes.KnowledgeEntry) (int64, error)
	GetEntryByThread(ctx context.Context, channelID, threadTS string) (*datatypes.KnowledgeEntry, error)
	FindSimilarEntries(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredEntry, error)

	SaveFileAttachment(ctx context.Context, file *datatypes.FileAttachment) (int64, error)
	GetFilesByThread(ctx context.Context, channelID, threadTS string) ([]datatypes.FileAttachment, error)
	FindSimilarFiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredFile, error)

	Ping(ctx context.Context) error
	Close() error
}
