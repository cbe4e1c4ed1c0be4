// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/ledongthuc/pdf"
)

// Extract returns the file type of name and the text content of data.
//
// Text-like files are decoded as UTF-8 with invalid sequences dropped.
// PDFs are read with the embedded text layer; a PDF that cannot be parsed
// is an error. Images and other types have no extractable text.
func Extract(name string, data []byte) (datatypes.FileType, string, error) {
	ft := datatypes.FileTypeFromExtension(name)
	switch {
	case ft.IsText():
		return ft, strings.ToValidUTF8(string(data), ""), nil
	case ft == datatypes.FileTypePDF:
		text, err := extractPDF(data)
		if err != nil {
			return ft, "", fmt.Errorf("failed to extract text from %s: %w", name, err)
		}
		return ft, text, nil
	default:
		return ft, "", nil
	}
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Summarize produces the stored one-line description of a file.
func Summarize(name string, ft datatypes.FileType, text string) string {
	if text == "" {
		return fmt.Sprintf("File: %s (No extractable content)", name)
	}
	switch ft {
	case datatypes.FileTypeLog:
		return fmt.Sprintf("Log file: %s containing system logs", name)
	case datatypes.FileTypeImage:
		return fmt.Sprintf("Image file: %s showing a screenshot or diagram", name)
	case datatypes.FileTypePDF:
		return fmt.Sprintf("PDF document: %s with technical content", name)
	default:
		return fmt.Sprintf("File: %s with miscellaneous content", name)
	}
}

// ThreadContent renders thread messages as "<@user>: text" blocks
// separated by blank lines. Messages with empty text are skipped.
func ThreadContent(messages []datatypes.ThreadMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("<@%s>: %s", m.User, text))
	}
	return strings.Join(parts, "\n\n")
}
