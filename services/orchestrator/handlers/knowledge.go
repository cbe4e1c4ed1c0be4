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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ingest"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// Ingester stores threads and files in the knowledge base.
type Ingester interface {
	IngestThread(ctx context.Context, req datatypes.ThreadIngestRequest) (int64, error)
	IngestFile(ctx context.Context, up ingest.FileUpload) (*datatypes.FileAttachment, error)
}

var _ Ingester = (*ingest.Ingester)(nil)

// KnowledgeHandler serves the ingestion endpoints.
type KnowledgeHandler struct {
	ingester      Ingester
	maxUploadSize int64
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// NewKnowledgeHandler creates a KnowledgeHandler.
func NewKnowledgeHandler(ingester Ingester, maxUploadSize int64, metrics *observability.Metrics, logger *slog.Logger) *KnowledgeHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultAskConfig().MaxUploadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeHandler{
		ingester:      ingester,
		maxUploadSize: maxUploadSize,
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleSaveThread answers POST /api/knowledge/threads.
//
// # Inputs
//
//   - JSON ThreadIngestRequest.
//
// # Outputs
//
//   - 200 {"id": n}. Saving the same (channel_id, thread_ts) again returns
//     the same id.
//   - 400 for an invalid body or a thread with no text.
//   - 503 when no embedding backend is configured.
func (h *KnowledgeHandler) HandleSaveThread(c *gin.Context) {
	const endpoint = "knowledge_threads"
	var req datatypes.ThreadIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, endpoint, badRequest(invalidBody), observability.ErrorCodeValidation)
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.Debug("Invalid thread request", "error", err)
		h.fail(c, endpoint, badRequest("channel_id, thread_ts and messages are required"), observability.ErrorCodeValidation)
		return
	}

	id, err := h.ingester.IngestThread(c.Request.Context(), req)
	if err != nil {
		h.ingestFailure(c, endpoint, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.IngestResponse{ID: id})
}

// HandleUploadFile answers POST /api/knowledge/files.
//
// # Inputs
//
//   - multipart `file` part plus channel_id, thread_ts and optional
//     user_id and file_url fields. user_id defaults to the caller.
//
// # Outputs
//
//   - 200 {"id", "file_type", "content_summary"}
//   - 400 for missing fields, 413 for oversized files.
func (h *KnowledgeHandler) HandleUploadFile(c *gin.Context) {
	const endpoint = "knowledge_files"
	fh, err := c.FormFile("file")
	if err != nil {
		h.fail(c, endpoint, badRequest("File is required"), observability.ErrorCodeValidation)
		return
	}
	channelID := strings.TrimSpace(c.PostForm("channel_id"))
	threadTS := strings.TrimSpace(c.PostForm("thread_ts"))
	if channelID == "" || threadTS == "" {
		h.fail(c, endpoint, badRequest("channel_id and thread_ts are required"), observability.ErrorCodeValidation)
		return
	}
	userID := c.PostForm("user_id")
	if userID == "" {
		userID = middleware.UserID(c)
	}

	data, herr := readPart(fh, h.maxUploadSize)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeValidation)
		return
	}

	att, err := h.ingester.IngestFile(c.Request.Context(), ingest.FileUpload{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		FileName:  fh.Filename,
		FileURL:   c.PostForm("file_url"),
		Data:      data,
	})
	if err != nil {
		h.ingestFailure(c, endpoint, err)
		return
	}

	var id int64
	if att.ID != nil {
		id = *att.ID
	}
	c.JSON(http.StatusOK, datatypes.IngestResponse{
		ID:             id,
		FileType:       att.FileType,
		ContentSummary: att.ContentSummary,
	})
}

func (h *KnowledgeHandler) ingestFailure(c *gin.Context, endpoint string, err error) {
	switch {
	case errors.Is(err, ingest.ErrEmptyThread):
		h.fail(c, endpoint, badRequest("Thread has no text"), observability.ErrorCodeValidation)
	case errors.Is(err, ingest.ErrNoEmbedder):
		h.logger.Error("Ingestion requested without an embedding backend")
		h.fail(c, endpoint, &httpError{status: http.StatusServiceUnavailable, msg: sanitizeErrorForClient(err)}, observability.ErrorCodeLLMError)
	default:
		h.logger.Error("Ingestion failed", "endpoint", endpoint, "error", err)
		h.fail(c, endpoint, &httpError{status: http.StatusInternalServerError, msg: sanitizeErrorForClient(err)}, observability.ErrorCodeInternal)
	}
}

func (h *KnowledgeHandler) fail(c *gin.Context, endpoint string, herr *httpError, code observability.ErrorCode) {
	h.metrics.RecordError(endpoint, code)
	writeError(c, herr.status, herr.msg)
}
