// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the wire types of the chat socket and the one-shot
// HTTP endpoints. Stored records live in knowledge.go.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single text field on the wire.
	MaxMessageContentBytes = 1024 * 1024

	// MaxFilesPerMessage bounds the attachments carried by one socket message.
	MaxFilesPerMessage = 10
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Socket Messages
// =============================================================================

// ClientMessage is one frame received from a chat socket client.
//
// # Description
//
// Exactly one of Message, Content or file-derived content is the primary
// input of a turn. Ping frames are keepalive only. Response answers a
// pending input_required prompt.
//
// # Examples
//
//	{"message": "How do I enable TLS?"}
//	{"message": "analyze this", "content": "2024-01-01 error ..."}
//	{"ping": true}
//	{"reset_session": true, "message": "start over"}
type ClientMessage struct {
	Message      string         `json:"message" validate:"maxbytes"`
	Content      string         `json:"content" validate:"maxbytes"`
	Files        []UploadedFile `json:"files" validate:"max=10,dive"`
	ResetSession bool           `json:"reset_session"`
	Ping         bool           `json:"ping"`
	Response     *string        `json:"response,omitempty"`
}

// UploadedFile is a file carried inline on the socket.
type UploadedFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content" validate:"maxbytes"`
	Filetype string `json:"filetype"`
}

// Validate validates the ClientMessage fields.
func (m *ClientMessage) Validate() error {
	return chatValidate.Struct(m)
}

// EventType names a server-to-client socket event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventToken           EventType = "token"
	EventBrokerInfo      EventType = "broker_info"
	EventClear           EventType = "clear"
	EventMessageComplete EventType = "message_complete"
	EventFinalReport     EventType = "final_report"
	EventError           EventType = "error"
	EventDone            EventType = "done"
	EventPong            EventType = "pong"
	EventInputRequired   EventType = "input_required"
)

// ServerEvent is one frame sent to a chat socket client.
type ServerEvent struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// =============================================================================
// One-shot Endpoints
// =============================================================================

// AskRequest is the JSON body of POST /api/ask.
type AskRequest struct {
	Question  string `json:"question" validate:"required,notblank,maxbytes"`
	SessionID string `json:"session_id,omitempty" validate:"max=128"`
}

// Validate validates the AskRequest fields.
func (r *AskRequest) Validate() error {
	return chatValidate.Struct(r)
}

// LogAnalysisRequest is the JSON body of POST /api/analyze-log.
type LogAnalysisRequest struct {
	LogText string `json:"log_text" validate:"required,notblank,maxbytes"`
}

// Validate validates the LogAnalysisRequest fields.
func (r *LogAnalysisRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SourceReference cites a knowledge entry used to answer a question.
type SourceReference struct {
	ID             *int64  `json:"id,omitempty"`
	Title          string  `json:"title"`
	URL            *string `json:"url,omitempty"`
	ContentSnippet string  `json:"content_snippet"`
}

// FileReference cites a file attachment used to answer a question.
type FileReference struct {
	ID       *int64   `json:"id,omitempty"`
	FileName string   `json:"file_name"`
	FileType FileType `json:"file_type"`
}

// AnswerResponse is returned by both one-shot endpoints.
//
// Confidence is a heuristic derived from the answer text. It is not a
// calibrated probability.
type AnswerResponse struct {
	Answer      string            `json:"answer"`
	Sources     []SourceReference `json:"sources"`
	FileSources []FileReference   `json:"file_sources"`
	Confidence  float64           `json:"confidence"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Ingestion
// =============================================================================

// ThreadMessage is one message of a thread being saved.
type ThreadMessage struct {
	User string `json:"user"`
	Text string `json:"text" validate:"maxbytes"`
}

// ThreadIngestRequest is the JSON body of POST /api/knowledge/threads.
type ThreadIngestRequest struct {
	ChannelID string          `json:"channel_id" validate:"required,max=64"`
	ThreadTS  string          `json:"thread_ts" validate:"required,max=64"`
	UserID    string          `json:"user_id" validate:"max=64"`
	Messages  []ThreadMessage `json:"messages" validate:"required,min=1,max=500,dive"`
}

// Validate validates the ThreadIngestRequest fields.
func (r *ThreadIngestRequest) Validate() error {
	return chatValidate.Struct(r)
}

// IngestResponse is returned by the ingestion endpoints.
type IngestResponse struct {
	ID             int64    `json:"id"`
	FileType       FileType `json:"file_type,omitempty"`
	ContentSummary string   `json:"content_summary,omitempty"`
}
