// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emqx/emqx-knowledge-base/pkg/ux"
	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/config"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ingest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ingestConcurrency bounds parallel thread embeddings.
const ingestConcurrency = 4

// knowledgeIngester is the part of ingest.Ingester the commands use.
type knowledgeIngester interface {
	IngestThread(ctx context.Context, req datatypes.ThreadIngestRequest) (int64, error)
	IngestFile(ctx context.Context, up ingest.FileUpload) (*datatypes.FileAttachment, error)
}

var _ knowledgeIngester = (*ingest.Ingester)(nil)

// openIngester wires the configured store and embedder. The returned
// func closes the store.
func openIngester(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ingest.Ingester, func() error, error) {
	var chat llm.LLMClient
	if cfg.LLM.EmbeddingAPIKey == "" {
		c, err := orchestrator.NewLLM(cfg.LLM)
		if err != nil {
			return nil, nil, err
		}
		chat = c
	}
	embedder := orchestrator.NewEmbedder(cfg.LLM, chat)
	if embedder == nil {
		return nil, nil, fmt.Errorf("%w: set EMBEDDING_API_KEY for the %s provider", ingest.ErrNoEmbedder, cfg.LLM.Provider)
	}

	st, err := orchestrator.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return ingest.NewIngester(embedder, st, logger), st.Close, nil
}

func runIngestThreads(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := commandContext(cmd)
	in, closeStore, err := openIngester(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer closeStore()

	return ingestThreadFiles(ctx, in, args, newPrinter(cmd))
}

// ingestThreadFiles saves each JSON thread file and prints one status line
// per file and a summary. All files are attempted; the errors are joined.
func ingestThreadFiles(ctx context.Context, in knowledgeIngester, paths []string, p *ux.Printer) error {
	ids := make([]int64, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(ingestConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			req, err := readThreadFile(path)
			if err == nil {
				ids[i], err = in.IngestThread(ctx, req)
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, path := range paths {
		if errs[i] != nil {
			failed++
			p.FileStatus(path, ux.IconError, errors.Unwrap(errs[i]).Error())
			continue
		}
		p.FileStatus(path, ux.IconSuccess, fmt.Sprintf("knowledge entry %d", ids[i]))
	}
	p.Summary(len(paths)-failed, failed, len(paths))
	return errors.Join(errs...)
}

func readThreadFile(path string) (datatypes.ThreadIngestRequest, error) {
	var req datatypes.ThreadIngestRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid thread JSON: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func runIngestFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if info, err := os.Stat(args[0]); err == nil && info.Size() > cfg.Server.MaxUploadSize {
		return fmt.Errorf("%s is larger than server.max_upload_size (%d bytes)", args[0], cfg.Server.MaxUploadSize)
	}
	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := commandContext(cmd)
	in, closeStore, err := openIngester(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer closeStore()

	return ingestLocalFile(ctx, in, args[0], newPrinter(cmd))
}

// ingestLocalFile stores the file at path against the thread named by
// the --channel and --thread flags.
func ingestLocalFile(ctx context.Context, in knowledgeIngester, path string, p *ux.Printer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	att, err := in.IngestFile(ctx, ingest.FileUpload{
		ChannelID: fileChannel,
		ThreadTS:  fileThread,
		UserID:    fileUser,
		FileName:  filepath.Base(path),
		FileURL:   fileURL,
		Data:      data,
	})
	if err != nil {
		return err
	}
	var id int64
	if att.ID != nil {
		id = *att.ID
	}
	p.FileStatus(path, ux.IconSuccess, fmt.Sprintf("file %d, %s: %s", id, att.FileType, att.ContentSummary))
	return nil
}
