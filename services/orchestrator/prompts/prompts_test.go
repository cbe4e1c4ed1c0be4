// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemplatesAreEmbedded(t *testing.T) {
	for name, tmpl := range map[string]string{
		"System":                System,
		"LogAnalysis":           LogAnalysis,
		"LogDetection":          LogDetection,
		"LogDetectionUser":      LogDetectionUser,
		"CredentialsExtraction": CredentialsExtraction,
		"EMQXTool":              EMQXTool,
		"BrokerStatusUser":      BrokerStatusUser,
		"BrokerNetworkUser":     BrokerNetworkUser,
		"BrokerConnectionError": BrokerConnectionError,
	} {
		assert.NotEmpty(t, strings.TrimSpace(tmpl), name)
	}
}

func TestCredentialsPromptMentionsSentinel(t *testing.T) {
	assert.Contains(t, CredentialsExtraction, "NO_CREDENTIALS")
	assert.Contains(t, CredentialsExtraction, "api_endpoint")
}

func TestRender(t *testing.T) {
	got := Render(LogDetectionUser, map[string]string{"input": "2025-01-01 [error] {oops}"})
	assert.Contains(t, got, "2025-01-01 [error] {oops}")
	assert.NotContains(t, got, "{input}")
}

func TestRender_LeavesUnknownPlaceholders(t *testing.T) {
	assert.Equal(t, "a {b} c", Render("a {b} {x}", map[string]string{"x": "c"}))
}
