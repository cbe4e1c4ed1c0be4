// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// File Types
// =============================================================================

// FileType classifies an attachment by how its content can be used.
type FileType string

const (
	FileTypeLog   FileType = "log"
	FileTypeImage FileType = "image"
	FileTypePDF   FileType = "pdf"
	FileTypeOther FileType = "other"
)

// FileTypeFromExtension maps a file extension or file name to a FileType.
//
// # Description
//
// Accepts either a bare extension ("log", ".log") or a full file name
// ("broker.log"). Matching is case-insensitive. Text-like formats (log, txt,
// json, yml, yaml, xml) are all treated as log data.
//
// # Examples
//
//	FileTypeFromExtension("emqx.log")  // FileTypeLog
//	FileTypeFromExtension("PNG")       // FileTypeImage
//	FileTypeFromExtension("")          // FileTypeOther
func FileTypeFromExtension(nameOrExt string) FileType {
	ext := strings.ToLower(nameOrExt)
	if e := filepath.Ext(ext); e != "" {
		ext = e
	}
	ext = strings.TrimPrefix(ext, ".")

	switch ext {
	case "log", "txt", "json", "yml", "yaml", "xml":
		return FileTypeLog
	case "png", "jpg", "jpeg", "gif":
		return FileTypeImage
	case "pdf":
		return FileTypePDF
	default:
		return FileTypeOther
	}
}

// IsText reports whether content of this type can be read as UTF-8 text.
func (t FileType) IsText() bool {
	return t == FileTypeLog
}

// =============================================================================
// Stored Records
// =============================================================================

// FileAttachment is a stored or transient file with extracted text.
//
// ID is nil for attachments that were never persisted (for example files
// uploaded over the chat socket). Consumers treat attachments as read-only.
type FileAttachment struct {
	ID             *int64    `json:"id,omitempty"`
	ChannelID      string    `json:"channel_id"`
	ThreadTS       string    `json:"thread_ts"`
	UserID         string    `json:"user_id"`
	FileName       string    `json:"file_name"`
	FileType       FileType  `json:"file_type"`
	FileURL        string    `json:"file_url"`
	ContentSummary string    `json:"content_summary"`
	ContentText    string    `json:"content_text,omitempty"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// KnowledgeEntry is an embedded unit of prior conversation. Entries are
// unique per (ChannelID, ThreadTS).
type KnowledgeEntry struct {
	ID        *int64    `json:"id,omitempty"`
	ChannelID string    `json:"channel_id"`
	ThreadTS  string    `json:"thread_ts"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Int64 returns a pointer to v. Used for record IDs.
func Int64(v int64) *int64 { return &v }
