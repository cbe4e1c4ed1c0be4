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
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ingest"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/session"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// SourceSimilarityThreshold is the similarity a knowledge entry needs to
	// be cited in an answer.
	SourceSimilarityThreshold = 0.6

	notEnoughInformation = "I don't have enough information"
	snippetChars         = 200
	apiChannelID         = "api"

	questionRequired = "Question is required"
	logTextRequired  = "Log text is required"
	invalidBody      = "Invalid request body"
	fileTooLarge     = "File too large"
)

// AskConfig holds the one-shot endpoint budgets.
type AskConfig struct {
	// Timeout bounds one request, including the whole workflow run.
	Timeout time.Duration

	// MaxUploadSize bounds one uploaded file in bytes.
	MaxUploadSize int64

	// HeartbeatInterval is the keepalive period of the SSE endpoint.
	HeartbeatInterval time.Duration
}

// DefaultAskConfig returns a 120s budget, 10MB uploads and a 15s heartbeat.
func DefaultAskConfig() AskConfig {
	return AskConfig{
		Timeout:           120 * time.Second,
		MaxUploadSize:     10 << 20,
		HeartbeatInterval: 15 * time.Second,
	}
}

// httpError is a failure with a status and a client-safe message.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) *httpError {
	return &httpError{status: http.StatusBadRequest, msg: msg}
}

// =============================================================================
// Handler
// =============================================================================

// AskHandler serves the one-shot question and log analysis endpoints.
//
// # Description
//
// Each request runs the same workflow as the chat socket with an emitter
// that discards intermediate events. A request that names a session_id
// runs against that session's memory and credentials, and is rejected with
// 409 while another run holds the session. Without a session_id the
// request gets a throwaway workflow.
//
// # Thread Safety
//
// Safe for concurrent use.
type AskHandler struct {
	sessions *session.Manager
	factory  session.Factory
	cfg      AskConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewAskHandler creates an AskHandler. sessions may be nil, in which case
// session_id is ignored.
func NewAskHandler(
	sessions *session.Manager,
	factory session.Factory,
	cfg AskConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *AskHandler {
	def := DefaultAskConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = def.MaxUploadSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AskHandler{
		sessions: sessions,
		factory:  factory,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleAsk answers POST /api/ask.
//
// # Inputs
//
//   - JSON {"question": "...", "session_id": "..."}, or
//   - multipart with a `question` field and `files` parts.
//
// # Outputs
//
//   - 200 AnswerResponse
//   - 400 when the question is missing
//   - 409 when the named session is busy
//   - 504 when the request budget expires
//   - 500 with a sanitized message otherwise
func (h *AskHandler) HandleAsk(c *gin.Context) {
	const endpoint = "ask"
	req, atts, herr := h.parseAsk(c)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeValidation)
		return
	}
	h.run(c, endpoint, req.SessionID, workflow.StartEvent{Input: req.Question, Attachments: atts}, true)
}

// HandleAnalyzeLog answers POST /api/analyze-log.
//
// Accepts JSON {"log_text": "..."} or multipart whose first file holds the
// log. The log path always runs; sources are never cited.
func (h *AskHandler) HandleAnalyzeLog(c *gin.Context) {
	const endpoint = "analyze_log"
	logText, herr := h.parseLog(c)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeValidation)
		return
	}
	h.run(c, endpoint, "", workflow.StartEvent{Input: logText, AnalyzeLog: true}, false)
}

func (h *AskHandler) run(c *gin.Context, endpoint, sessionID string, start workflow.StartEvent, cite bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Timeout)
	defer cancel()

	wf, stored, release, herr := h.acquire(sessionID, start.Attachments, cancel)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeBusy)
		return
	}
	defer release()
	if len(start.Attachments) == 0 {
		start.Attachments = stored
	}

	stop, err := wf.Run(ctx, start, workflow.DiscardEmitter{})
	switch {
	case errors.Is(err, workflow.ErrWorkflowTimeout), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("Request timed out", "endpoint", endpoint, "timeout", h.cfg.Timeout)
		h.fail(c, endpoint, &httpError{status: http.StatusGatewayTimeout, msg: timeoutErrorMessage}, observability.ErrorCodeTimeout)
		return
	case errors.Is(err, context.Canceled):
		h.logger.Info("Client went away before the answer was ready", "endpoint", endpoint)
		h.metrics.RecordClientDisconnect()
		c.Abort()
		return
	case err != nil:
		h.logger.Error("Workflow run failed", "endpoint", endpoint, "error", err)
		h.fail(c, endpoint, &httpError{status: http.StatusInternalServerError, msg: sanitizeErrorForClient(err)}, observability.ErrorCodeInternal)
		return
	case stop.Message == workflow.MessageLLMUnavailable:
		h.fail(c, endpoint, &httpError{status: http.StatusServiceUnavailable, msg: stop.Message}, observability.ErrorCodeLLMError)
		return
	}

	resp := datatypes.AnswerResponse{
		Answer:      stop.Message,
		Sources:     []datatypes.SourceReference{},
		FileSources: []datatypes.FileReference{},
		Confidence:  Confidence(stop.Message),
	}
	if cite {
		resp.Sources = SourceReferences(stop.Sources)
		resp.FileSources = FileReferences(stop.Attachments)
	}
	c.JSON(http.StatusOK, resp)
}

// acquire returns the workflow to run and the attachments stored on its
// session. release must be called when the run ends.
func (h *AskHandler) acquire(sessionID string, atts []datatypes.FileAttachment, cancel context.CancelFunc) (*workflow.Workflow, []datatypes.FileAttachment, func(), *httpError) {
	if sessionID == "" || h.sessions == nil {
		return h.factory("api_" + uuid.NewString()), nil, func() {}, nil
	}

	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		sess = h.sessions.Create(sessionID, h.factory, atts)
	}
	if !sess.TryAcquire(cancel) {
		return nil, nil, nil, &httpError{status: http.StatusConflict, msg: session.BusyMessage}
	}
	if len(atts) > 0 {
		sess.Attachments = atts
	}
	return sess.Workflow, sess.Attachments, sess.Release, nil
}

func (h *AskHandler) fail(c *gin.Context, endpoint string, herr *httpError, code observability.ErrorCode) {
	h.metrics.RecordError(endpoint, code)
	writeError(c, herr.status, herr.msg)
}

// =============================================================================
// Streaming
// =============================================================================

// HandleAskStream answers POST /api/ask/stream with Server-Sent Events.
//
// # Description
//
// Accepts the same input as HandleAsk. The stream carries the chat socket
// vocabulary (status, token, broker_info, clear) followed by the
// completion sequence. Input requests are answered with their default
// immediately, since the client has no way to reply. A keepalive comment
// is written every HeartbeatInterval.
func (h *AskHandler) HandleAskStream(c *gin.Context) {
	const endpoint = "ask_stream"
	req, atts, herr := h.parseAsk(c)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeValidation)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Timeout)
	defer cancel()

	wf, stored, release, herr := h.acquire(req.SessionID, atts, cancel)
	if herr != nil {
		h.fail(c, endpoint, herr, observability.ErrorCodeBusy)
		return
	}
	defer release()
	if len(atts) == 0 {
		atts = stored
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("Streaming not supported", "error", err)
		h.fail(c, endpoint, &httpError{status: http.StatusInternalServerError, msg: sanitizeErrorForClient(err)}, observability.ErrorCodeInternal)
		return
	}
	c.Status(http.StatusOK)

	em := workflow.NewChannelEmitter(0, 0)
	done := make(chan runResult, 1)
	go func() {
		stop, err := wf.Run(ctx, workflow.StartEvent{Input: req.Question, Attachments: atts}, nonInteractiveEmitter{em})
		em.Close()
		done <- runResult{stop: stop, err: err}
	}()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	events := em.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := writer.WriteEvent(ev); err != nil {
				h.logger.Debug("Failed to write SSE event", "error", err)
				cancel()
			}
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("Failed to write keepalive", "error", err)
				cancel()
				continue
			}
			h.metrics.RecordKeepAlive()
		}
	}

	res := <-done
	if errors.Is(res.err, context.Canceled) {
		h.logger.Info("Client went away during stream", "endpoint", endpoint)
		h.metrics.RecordClientDisconnect()
		return
	}
	if res.err != nil {
		h.logger.Warn("Streamed run failed", "endpoint", endpoint, "error", res.err)
	}
	for _, ev := range completionEvents(res) {
		if err := writer.WriteEvent(ev); err != nil {
			return
		}
	}
}

// nonInteractiveEmitter answers every input request with its default.
type nonInteractiveEmitter struct {
	*workflow.ChannelEmitter
}

func (e nonInteractiveEmitter) RequestInput(ctx context.Context, req workflow.InputRequiredEvent, defaultResponse string) (workflow.HumanResponseEvent, error) {
	return workflow.HumanResponseEvent{Response: defaultResponse}, ctx.Err()
}

// completionEvents is the sequence that ends a run on a stream. Cancelled
// runs end without one.
func completionEvents(res runResult) []datatypes.ServerEvent {
	switch {
	case res.err == nil:
		evs := []datatypes.ServerEvent{
			{Type: datatypes.EventMessageComplete, Data: true},
			statusEvent(""),
		}
		if res.stop.Path == workflow.PathLog {
			evs = append(evs, datatypes.ServerEvent{Type: datatypes.EventFinalReport, Data: res.stop.Message})
		}
		return append(evs, datatypes.ServerEvent{Type: datatypes.EventDone, Data: res.stop.Message})
	case errors.Is(res.err, workflow.ErrWorkflowTimeout):
		return []datatypes.ServerEvent{
			{Type: datatypes.EventError, Data: res.stop.Message},
			statusEvent(""),
		}
	default:
		return []datatypes.ServerEvent{
			{Type: datatypes.EventError, Data: sanitizeErrorForClient(res.err)},
			statusEvent(""),
		}
	}
}

// =============================================================================
// Request Parsing
// =============================================================================

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

func (h *AskHandler) parseAsk(c *gin.Context) (datatypes.AskRequest, []datatypes.FileAttachment, *httpError) {
	var req datatypes.AskRequest
	if isMultipart(c) {
		req.Question = c.PostForm("question")
		req.SessionID = c.PostForm("session_id")
		if err := req.Validate(); err != nil {
			return req, nil, badRequest(questionRequired)
		}
		atts, herr := h.readUploads(c)
		return req, atts, herr
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid ask body", "error", err)
		return req, nil, badRequest(invalidBody)
	}
	if err := req.Validate(); err != nil {
		return req, nil, badRequest(questionRequired)
	}
	return req, nil, nil
}

func (h *AskHandler) parseLog(c *gin.Context) (string, *httpError) {
	if isMultipart(c) {
		atts, herr := h.readUploads(c)
		if herr != nil {
			return "", herr
		}
		text := c.PostForm("log_text")
		if len(atts) > 0 {
			text = atts[0].ContentText
		}
		if strings.TrimSpace(text) == "" {
			return "", badRequest(logTextRequired)
		}
		return text, nil
	}

	var req datatypes.LogAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid analyze-log body", "error", err)
		return "", badRequest(invalidBody)
	}
	if err := req.Validate(); err != nil {
		return "", badRequest(logTextRequired)
	}
	return req.LogText, nil
}

// readUploads extracts every file part of a multipart request into a
// transient attachment. Files whose text cannot be extracted are kept with
// their summary only.
func (h *AskHandler) readUploads(c *gin.Context) ([]datatypes.FileAttachment, *httpError) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, badRequest(invalidBody)
	}
	parts := form.File["files"]
	if len(parts) == 0 {
		parts = form.File["files[]"]
	}
	if len(parts) == 0 {
		parts = form.File["file"]
	}

	userID := middleware.UserID(c)

	atts := make([]datatypes.FileAttachment, 0, len(parts))
	for _, fh := range parts {
		data, herr := readPart(fh, h.cfg.MaxUploadSize)
		if herr != nil {
			return nil, herr
		}
		ft, text, err := ingest.Extract(fh.Filename, data)
		if err != nil {
			h.logger.Warn("Failed to extract uploaded file", "file", fh.Filename, "error", err)
			ft, text = datatypes.FileTypeFromExtension(fh.Filename), ""
		}
		atts = append(atts, datatypes.FileAttachment{
			ChannelID:      apiChannelID,
			UserID:         userID,
			FileName:       fh.Filename,
			FileType:       ft,
			ContentSummary: ingest.Summarize(fh.Filename, ft, text),
			ContentText:    text,
		})
	}
	return atts, nil
}

func readPart(fh *multipart.FileHeader, limit int64) ([]byte, *httpError) {
	if fh.Size > limit {
		return nil, &httpError{status: http.StatusRequestEntityTooLarge, msg: fileTooLarge}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, badRequest(invalidBody)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, badRequest(invalidBody)
	}
	if int64(len(data)) > limit {
		return nil, &httpError{status: http.StatusRequestEntityTooLarge, msg: fileTooLarge}
	}
	return data, nil
}

// =============================================================================
// Response Building
// =============================================================================

// Confidence is a heuristic over the answer text, not a calibrated
// probability: 0.0 for an empty answer, 0.2 when the model said it lacked
// information, 0.8 otherwise.
func Confidence(answer string) float64 {
	switch {
	case strings.TrimSpace(answer) == "":
		return 0.0
	case strings.Contains(answer, notEnoughInformation):
		return 0.2
	default:
		return 0.8
	}
}

// SourceReferences cites the entries above SourceSimilarityThreshold.
func SourceReferences(entries []store.ScoredEntry) []datatypes.SourceReference {
	out := make([]datatypes.SourceReference, 0, len(entries))
	for _, se := range entries {
		if !(se.Similarity > SourceSimilarityThreshold) {
			continue
		}
		out = append(out, datatypes.SourceReference{
			ID:             se.Entry.ID,
			Title:          fmt.Sprintf("Thread %s in %s", se.Entry.ThreadTS, se.Entry.ChannelID),
			ContentSnippet: snippet(se.Entry.Content, snippetChars),
		})
	}
	return out
}

// FileReferences cites every attachment the run used.
func FileReferences(atts []datatypes.FileAttachment) []datatypes.FileReference {
	out := make([]datatypes.FileReference, 0, len(atts))
	for _, a := range atts {
		out = append(out, datatypes.FileReference{ID: a.ID, FileName: a.FileName, FileType: a.FileType})
	}
	return out
}

func snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
