// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval turns a question into a ranked, deduplicated evidence
// bundle rendered as prompt context.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/emqx/emqx-knowledge-base/retrieval")

// NoContextSentinel is the rendered context when nothing matched. It is
// valid context, not an error.
const NoContextSentinel = "No relevant information found in the knowledge base."

const (
	entrySnippetLen = 500
	fileSnippetLen  = 300
)

// =============================================================================
// Options
// =============================================================================

// Options controls similarity cut-offs and result counts.
type Options struct {
	KnowledgeThreshold float64
	KnowledgeK         int
	FileThreshold      float64
	FileK              int
}

// DefaultOptions returns thresholds of 0.5 with 10 knowledge entries and
// 5 files.
func DefaultOptions() Options {
	return Options{
		KnowledgeThreshold: 0.5,
		KnowledgeK:         10,
		FileThreshold:      0.5,
		FileK:              5,
	}
}

func validateOptions(opts Options) Options {
	defaults := DefaultOptions()
	if opts.KnowledgeK < 0 {
		slog.Warn("Invalid KnowledgeK, using default", "provided", opts.KnowledgeK, "default", defaults.KnowledgeK)
		opts.KnowledgeK = defaults.KnowledgeK
	}
	if opts.FileK < 0 {
		slog.Warn("Invalid FileK, using default", "provided", opts.FileK, "default", defaults.FileK)
		opts.FileK = defaults.FileK
	}
	return opts
}

// =============================================================================
// Retriever
// =============================================================================

// Result is the output of a retrieval pass.
type Result struct {
	// Context is the rendered evidence block or NoContextSentinel.
	Context string

	// Attachments is alreadyAttached followed by newly found files, deduplicated.
	Attachments []datatypes.FileAttachment

	// Entries are the matched knowledge entries, highest similarity first.
	Entries []store.ScoredEntry
}

// Retriever wraps embedding and similarity search.
//
// # Description
//
// Retrieve embeds the query once and runs the knowledge and file
// similarity queries in parallel. Upstream failures degrade instead of
// failing: an embedding error falls back to a zero vector (which matches
// nothing) and a store error counts as an empty result. Both are logged.
//
// # Thread Safety
//
// Safe for concurrent use if the embedder and store are.
type Retriever struct {
	embedder  llm.Embedder
	store     store.KnowledgeStore
	dimension int
	logger    *slog.Logger
}

// NewRetriever creates a Retriever. dimension sizes the zero-vector
// fallback and should match the embedding model.
func NewRetriever(embedder llm.Embedder, st store.KnowledgeStore, dimension int, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension <= 0 {
		dimension = 1536
	}
	return &Retriever{embedder: embedder, store: st, dimension: dimension, logger: logger}
}

// Retrieve gathers evidence for query.
//
// # Inputs
//
//   - query: Text to embed and search for.
//   - opts: Thresholds and limits. Only scores strictly above a threshold are kept.
//   - alreadyAttached: Files already part of the turn. Never modified.
//
// # Outputs
//
//   - Result: Rendered context, merged attachments and matched entries.
//   - error: Only ctx errors; upstream failures degrade to empty results.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options, alreadyAttached []datatypes.FileAttachment) (Result, error) {
	ctx, span := tracer.Start(ctx, "retriever.retrieve")
	defer span.End()
	opts = validateOptions(opts)

	vec := r.embed(ctx, query)

	var (
		entries []store.ScoredEntry
		files   []store.ScoredFile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.store.FindSimilarEntries(gctx, vec, opts.KnowledgeThreshold, opts.KnowledgeK)
		if err != nil {
			r.logger.Error("Knowledge similarity query failed", "error", err)
			return nil
		}
		entries = res
		return nil
	})
	g.Go(func() error {
		res, err := r.store.FindSimilarFiles(gctx, vec, opts.FileThreshold, opts.FileK)
		if err != nil {
			r.logger.Error("File similarity query failed", "error", err)
			return nil
		}
		files = res
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	merged := MergeAttachments(alreadyAttached, files)
	span.SetAttributes(
		attribute.Int("retrieval.entries", len(entries)),
		attribute.Int("retrieval.files", len(merged)),
	)

	return Result{
		Context:     Render(entries, merged),
		Attachments: merged,
		Entries:     entries,
	}, nil
}

func (r *Retriever) embed(ctx context.Context, text string) []float32 {
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			return vec
		}
		if err != nil {
			r.logger.Error("Embedding failed, using zero vector", "error", err)
		}
	}
	return make([]float32, r.dimension)
}

// =============================================================================
// Merge and Render
// =============================================================================

// MergeAttachments returns existing followed by the found files that are not
// already present. A found file with an ID is dropped when an entry with the
// same ID exists; one without an ID is dropped when the file name matches.
// existing is not modified.
func MergeAttachments(existing []datatypes.FileAttachment, found []store.ScoredFile) []datatypes.FileAttachment {
	out := make([]datatypes.FileAttachment, 0, len(existing)+len(found))
	ids := make(map[int64]struct{})
	names := make(map[string]struct{})

	add := func(f datatypes.FileAttachment) bool {
		if f.ID != nil {
			if _, dup := ids[*f.ID]; dup {
				return false
			}
			ids[*f.ID] = struct{}{}
		} else if _, dup := names[f.FileName]; dup {
			return false
		}
		names[f.FileName] = struct{}{}
		out = append(out, f)
		return true
	}

	for _, f := range existing {
		add(f)
	}
	for _, sf := range found {
		if add(sf.File) {
			slog.Debug("Adding similar file attachment", "file", sf.File.FileName, "similarity", fmt.Sprintf("%.2f", sf.Similarity))
		}
	}
	return out
}

// Render formats matched entries and files as markdown prompt context.
func Render(entries []store.ScoredEntry, files []datatypes.FileAttachment) string {
	var sb strings.Builder

	if len(entries) > 0 {
		sb.WriteString("## Relevant Knowledge Base Entries\n\n")
		for _, e := range entries {
			id := "?"
			if e.Entry.ID != nil {
				id = fmt.Sprintf("%d", *e.Entry.ID)
			}
			fmt.Fprintf(&sb, "**Entry %s** (Similarity: %.2f):\n%s\n\n", id, e.Similarity, truncate(e.Entry.Content, entrySnippetLen))
		}
	}

	if len(files) > 0 {
		sb.WriteString("## Relevant Files\n\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "**File: %s**\n", f.FileName)
			if f.ContentSummary != "" {
				fmt.Fprintf(&sb, "Summary: %s\n", f.ContentSummary)
			}
			if f.ContentText != "" {
				fmt.Fprintf(&sb, "Content: %s\n", truncate(f.ContentText, fileSnippetLen))
			}
			sb.WriteString("\n")
		}
	}

	if sb.Len() == 0 {
		return NoContextSentinel
	}
	return sb.String()
}

// truncate cuts s to n runes and appends "..." when it was longer.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
