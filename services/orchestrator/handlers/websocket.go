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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/pkg/extensions"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/session"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Status narration and client-facing messages of the chat socket.
const (
	StatusStartingSession   = "Starting new chat session..."
	StatusProcessingMessage = "Processing your message..."

	ReasonMissingToken = middleware.MessageMissingToken
	ReasonInvalidToken = middleware.MessageInvalidToken

	messageRequired      = "Message is required"
	invalidMessageFormat = "Invalid message format"

	sessionPrefix       = "chat_ws_"
	websocketChannelID  = "websocket"
	websocketUserID     = "websocket_user"
	contentFileName     = "uploaded_content.log"
	contentFileSummary  = "File content uploaded via chat"
	uploadedFilePrefix  = "File uploaded via chat: "
	defaultUploadedName = "unnamed_file"

	writeWait = 10 * time.Second
)

// GatewayConfig holds the socket budgets.
type GatewayConfig struct {
	// PingInterval is the server keepalive period.
	PingInterval time.Duration

	// ReadTimeout is how long a connection may stay silent. Pongs extend it.
	ReadTimeout time.Duration

	// MaxMessageSize bounds one client frame in bytes.
	MaxMessageSize int64

	// InputTimeout bounds a wait for an input_required answer.
	InputTimeout time.Duration

	// EventBuffer is the capacity of the per-run event channel.
	EventBuffer int
}

// DefaultGatewayConfig returns a 20s ping, 60s read timeout, 1MB frames and
// a 60s input wait.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		PingInterval:   20 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: datatypes.MaxMessageContentBytes,
		InputTimeout:   60 * time.Second,
		EventBuffer:    64,
	}
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway serves the chat WebSocket.
//
// # Description
//
// Each connection gets its own session id and owns three kinds of
// goroutine: the handler goroutine reads frames, one writer goroutine is
// the only writer to the socket, and at most one run goroutine per message
// forwards workflow events to the writer in production order.
//
// # Thread Safety
//
// A Gateway is shared by all connections and is safe for concurrent use.
type Gateway struct {
	sessions *session.Manager
	factory  session.Factory
	auth     extensions.AuthProvider
	cfg      GatewayConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway. Zero fields of cfg take their defaults.
func NewGateway(
	sessions *session.Manager,
	factory session.Factory,
	auth extensions.AuthProvider,
	cfg GatewayConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = def.InputTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}
	return &Gateway{
		sessions: sessions,
		factory:  factory,
		auth:     auth,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// HandleChatWebSocket upgrades the request and serves one chat connection.
//
// # Description
//
// The token is read from the `token` query parameter. The upgrade always
// completes so the rejection reason can be delivered as a 1008 close frame.
// The connection's session is deleted when the client goes away, which
// cancels any in-flight run without waiting for it.
func (g *Gateway) HandleChatWebSocket(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	token := middleware.TokenFromQuery(c)
	g.logger.Info("WebSocket chat connection attempt", "token_present", token != "")
	if token == "" {
		g.logger.Warn("WebSocket chat connection rejected: missing token")
		reject(ws, ReasonMissingToken)
		return
	}
	info, err := g.auth.Validate(c.Request.Context(), token)
	if err != nil {
		g.logger.Warn("WebSocket chat connection rejected: invalid token", "error", err)
		reject(ws, ReasonInvalidToken)
		return
	}

	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	ctx, cancel := context.WithCancel(c.Request.Context())
	conn := &chatConn{
		gateway:    g,
		ws:         ws,
		id:         sessionPrefix + uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan datatypes.ServerEvent, g.cfg.EventBuffer),
		writerDone: make(chan struct{}),
	}
	conn.logger = g.logger.With("session_id", conn.id)
	userID := ""
	if info != nil {
		userID = info.UserID
	}
	conn.logger.Info("WebSocket chat connection accepted", "user_id", userID)

	go conn.writeLoop()
	conn.readLoop()
	conn.close()
}

func reject(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// =============================================================================
// Connection
// =============================================================================

type chatConn struct {
	gateway *Gateway
	ws      *websocket.Conn
	id      string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out        chan datatypes.ServerEvent
	writerDone chan struct{}

	mu      sync.Mutex
	emitter *workflow.ChannelEmitter

	// forwardMu orders run output against reset_session: once a reset has
	// cancelled a run, none of its queued events reach the client.
	forwardMu sync.Mutex
}

// send queues ev for the writer. It returns false once the connection is
// closing.
func (cn *chatConn) send(ev datatypes.ServerEvent) bool {
	select {
	case cn.out <- ev:
		return true
	case <-cn.ctx.Done():
		return false
	}
}

func (cn *chatConn) sendError(msg string) bool {
	return cn.send(datatypes.ServerEvent{Type: datatypes.EventError, Data: msg})
}

// close runs once the reader stops. It does not wait for an in-flight run.
func (cn *chatConn) close() {
	cn.cancel()
	<-cn.writerDone
	cn.gateway.sessions.Delete(cn.id)
	cn.logger.Info("Chat WebSocket disconnected")
}

// writeLoop is the only goroutine that writes data frames.
func (cn *chatConn) writeLoop() {
	defer close(cn.writerDone)

	ticker := time.NewTicker(cn.gateway.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case ev := <-cn.out:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteJSON(ev); err != nil {
				cn.logger.Warn("Failed to write WebSocket JSON", "error", err)
				cn.abort()
				return
			}
		case <-ticker.C:
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cn.logger.Debug("Failed to write keepalive ping", "error", err)
				cn.abort()
				return
			}
			cn.gateway.metrics.RecordKeepAlive()
		}
	}
}

// abort unblocks the reader after a write failure.
func (cn *chatConn) abort() {
	cn.cancel()
	_ = cn.ws.Close()
}

func (cn *chatConn) readLoop() {
	cfg := cn.gateway.cfg
	cn.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		var msg datatypes.ClientMessage
		if err := cn.ws.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				cn.logger.Warn("Malformed client frame", "error", err)
				cn.gateway.metrics.RecordError("ws_chat", observability.ErrorCodeValidation)
				if !cn.sendError(invalidMessageFormat) {
					return
				}
				continue
			}
			cn.handleReadError(err)
			return
		}
		_ = cn.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if !cn.handleMessage(msg) {
			return
		}
	}
}

func (cn *chatConn) handleReadError(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		cn.logger.Info("Client closed the connection", "code", closeErr.Code)
	case cn.ctx.Err() != nil:
	default:
		cn.logger.Info("WebSocket read failed", "error", err)
		cn.sendError(sanitizeErrorForClient(err))
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// handleMessage processes one client frame. It returns false when the
// connection is closing.
func (cn *chatConn) handleMessage(msg datatypes.ClientMessage) bool {
	g := cn.gateway

	if msg.Ping {
		g.sessions.Refresh(cn.id)
		return cn.send(datatypes.ServerEvent{Type: datatypes.EventPong, Data: "pong"})
	}
	if msg.Response != nil {
		cn.respond(*msg.Response)
		return true
	}
	if err := msg.Validate(); err != nil {
		cn.logger.Warn("Invalid client message", "error", err)
		g.metrics.RecordError("ws_chat", observability.ErrorCodeValidation)
		return cn.sendError(invalidMessageFormat)
	}

	cn.logger.Info("Processing websocket request",
		"has_file_content", msg.Content != "",
		"content_length", len(msg.Content),
		"files", len(msg.Files),
		"user_input_length", len(msg.Message))

	if msg.ResetSession {
		cn.logger.Info("Resetting chat session")
		cn.forwardMu.Lock()
		g.sessions.Delete(cn.id)
		cn.forwardMu.Unlock()
	}

	if strings.TrimSpace(msg.Message) == "" {
		return cn.sendError(messageRequired)
	}

	attachments := buildAttachments(cn.id, msg)

	sess, ok := g.sessions.Get(cn.id)
	if ok && sess.Busy() {
		g.metrics.RecordError("ws_chat", observability.ErrorCodeBusy)
		return cn.sendError(session.BusyMessage)
	}
	if !ok {
		if !cn.send(statusEvent(StatusStartingSession)) {
			return false
		}
		sess = g.sessions.Create(cn.id, g.factory, attachments)
	} else {
		if !cn.send(statusEvent(StatusProcessingMessage)) {
			return false
		}
		if len(attachments) > 0 {
			sess.Attachments = attachments
		}
	}

	cn.startRun(sess, msg.Message)
	return true
}

func (cn *chatConn) respond(text string) {
	cn.mu.Lock()
	em := cn.emitter
	cn.mu.Unlock()

	if em == nil {
		cn.logger.Debug("Ignoring response with no pending input request")
		return
	}
	if !em.Respond(workflow.HumanResponseEvent{Response: text}) {
		cn.logger.Debug("Dropping duplicate input response")
	}
}

func (cn *chatConn) setEmitter(em *workflow.ChannelEmitter) {
	cn.mu.Lock()
	cn.emitter = em
	cn.mu.Unlock()
}

// clearEmitter detaches em unless a newer run already replaced it.
func (cn *chatConn) clearEmitter(em *workflow.ChannelEmitter) {
	cn.mu.Lock()
	if cn.emitter == em {
		cn.emitter = nil
	}
	cn.mu.Unlock()
}

// =============================================================================
// Run
// =============================================================================

type runResult struct {
	stop workflow.StopEvent
	err  error
}

// startRun launches the workflow for one message. The session's run slot
// is held until the run has returned.
func (cn *chatConn) startRun(sess *session.Session, input string) {
	g := cn.gateway
	runCtx, cancel := context.WithCancel(cn.ctx)
	if !sess.TryAcquire(cancel) {
		cancel()
		g.metrics.RecordError("ws_chat", observability.ErrorCodeBusy)
		cn.sendError(session.BusyMessage)
		return
	}

	em := workflow.NewChannelEmitter(g.cfg.EventBuffer, g.cfg.InputTimeout)
	cn.setEmitter(em)
	start := workflow.StartEvent{Input: input, Attachments: sess.Attachments}

	go func() {
		done := make(chan runResult, 1)
		go func() {
			stop, err := sess.Workflow.Run(runCtx, start, em)
			em.Close()
			done <- runResult{stop: stop, err: err}
		}()

		// Drain until the producer closes, even after the connection is
		// gone, so the run never blocks on a full channel. Events of a
		// cancelled run are dropped.
		for ev := range em.Events() {
			cn.forward(runCtx, ev)
		}
		res := <-done
		if runCtx.Err() != nil {
			res = runResult{err: context.Canceled}
		}

		// The slot must be free before the client sees done.
		cn.clearEmitter(em)
		sess.Release()
		cancel()
		cn.finish(res)
	}()
}

// forward sends ev unless runCtx has been cancelled.
func (cn *chatConn) forward(runCtx context.Context, ev datatypes.ServerEvent) {
	cn.forwardMu.Lock()
	defer cn.forwardMu.Unlock()
	if runCtx.Err() != nil {
		return
	}
	cn.send(ev)
}

// finish sends the completion sequence of a run. A cancelled run sends
// nothing.
func (cn *chatConn) finish(res runResult) {
	m := cn.gateway.metrics
	switch {
	case errors.Is(res.err, context.Canceled):
		cn.logger.Info("Workflow run cancelled")
		if cn.ctx.Err() != nil {
			m.RecordClientDisconnect()
		}
		return
	case errors.Is(res.err, workflow.ErrWorkflowTimeout):
		m.RecordError("ws_chat", observability.ErrorCodeTimeout)
	case res.err != nil:
		cn.logger.Error("Error processing chat message", "error", res.err)
		m.RecordError("ws_chat", observability.ErrorCodeInternal)
	}
	for _, ev := range completionEvents(res) {
		if !cn.send(ev) {
			return
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func statusEvent(msg string) datatypes.ServerEvent {
	return datatypes.ServerEvent{Type: datatypes.EventStatus, Data: msg}
}

// buildAttachments converts inline files into transient attachments. The
// content field becomes a log attachment when no files were sent.
func buildAttachments(sessionID string, msg datatypes.ClientMessage) []datatypes.FileAttachment {
	var out []datatypes.FileAttachment
	for _, f := range msg.Files {
		name := f.Filename
		if name == "" {
			name = defaultUploadedName
		}
		kind := f.Filetype
		if kind == "" {
			kind = name
		}
		out = append(out, datatypes.FileAttachment{
			ChannelID:      websocketChannelID,
			ThreadTS:       sessionID,
			UserID:         websocketUserID,
			FileName:       name,
			FileType:       datatypes.FileTypeFromExtension(kind),
			ContentSummary: uploadedFilePrefix + name,
			ContentText:    f.Content,
		})
	}
	if len(out) == 0 && msg.Content != "" {
		out = append(out, datatypes.FileAttachment{
			ChannelID:      websocketChannelID,
			ThreadTS:       sessionID,
			UserID:         websocketUserID,
			FileName:       contentFileName,
			FileType:       datatypes.FileTypeLog,
			ContentSummary: contentFileSummary,
			ContentText:    msg.Content,
		})
	}
	return out
}
