// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest turns conversation threads and uploaded files into
// embedded knowledge records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// embedPreviewChars bounds the file text that goes into a file
	// embedding alongside its summary.
	embedPreviewChars = 1000
	chunkOverlap      = 100
)

var (
	// ErrEmptyThread is returned when a thread has no message text.
	ErrEmptyThread = errors.New("ingest: thread has no content")

	// ErrNoEmbedder is returned when ingestion runs without an embedder.
	ErrNoEmbedder = errors.New("ingest: no embedder configured")
)

// FileUpload is a file to store against a thread.
type FileUpload struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	FileName  string
	FileURL   string
	Data      []byte
}

// Ingester embeds and stores threads and files.
//
// # Description
//
// Threads are upserted by (channel, thread). File text is extracted by
// type, summarized, and embedded from the summary plus the first chunk of
// the text, split on line and paragraph boundaries.
//
// # Thread Safety
//
// Safe for concurrent use if the embedder and store are.
type Ingester struct {
	embedder llm.Embedder
	store    store.KnowledgeStore
	splitter textsplitter.TextSplitter
	logger   *slog.Logger
}

// NewIngester creates an Ingester.
func NewIngester(embedder llm.Embedder, st store.KnowledgeStore, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		embedder: embedder,
		store:    st,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(embedPreviewChars),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		),
		logger: logger,
	}
}

// IngestThread embeds the thread content and upserts its knowledge entry.
func (in *Ingester) IngestThread(ctx context.Context, req datatypes.ThreadIngestRequest) (int64, error) {
	if in.embedder == nil {
		return 0, ErrNoEmbedder
	}
	content := ThreadContent(req.Messages)
	if content == "" {
		return 0, ErrEmptyThread
	}

	vec, err := in.embedder.Embed(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("failed to embed thread: %w", err)
	}

	userID := req.UserID
	if userID == "" && len(req.Messages) > 0 {
		userID = req.Messages[0].User
	}
	id, err := in.store.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{
		ChannelID: req.ChannelID,
		ThreadTS:  req.ThreadTS,
		UserID:    userID,
		Content:   content,
		Embedding: vec,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save thread: %w", err)
	}
	in.logger.Info("Thread saved to knowledge base",
		"channel_id", req.ChannelID, "thread_ts", req.ThreadTS, "id", id, "messages", len(req.Messages))
	return id, nil
}

// IngestFile extracts, embeds and stores an uploaded file.
func (in *Ingester) IngestFile(ctx context.Context, up FileUpload) (*datatypes.FileAttachment, error) {
	if in.embedder == nil {
		return nil, ErrNoEmbedder
	}
	ft, text, err := Extract(up.FileName, up.Data)
	if err != nil {
		return nil, err
	}
	summary := Summarize(up.FileName, ft, text)

	vec, err := in.embedder.Embed(ctx, in.embeddingText(summary, text))
	if err != nil {
		return nil, fmt.Errorf("failed to embed file: %w", err)
	}

	att := &datatypes.FileAttachment{
		ChannelID:      up.ChannelID,
		ThreadTS:       up.ThreadTS,
		UserID:         up.UserID,
		FileName:       up.FileName,
		FileType:       ft,
		FileURL:        up.FileURL,
		ContentSummary: summary,
		ContentText:    text,
		Embedding:      vec,
	}
	id, err := in.store.SaveFileAttachment(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	att.ID = datatypes.Int64(id)
	in.logger.Info("File saved to knowledge base",
		"file", up.FileName, "file_type", ft, "chars", len(text), "id", id)
	return att, nil
}

func (in *Ingester) embeddingText(summary, text string) string {
	if text == "" {
		return summary
	}
	chunks, err := in.splitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		in.logger.Warn("Text split failed, embedding summary only", "error", err)
		return summary
	}
	return summary + "\n\n" + chunks[0]
}
