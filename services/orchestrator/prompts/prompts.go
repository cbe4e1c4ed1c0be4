// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts holds the LLM prompt templates compiled into the binary.
//
// Templates use {name} placeholders filled by Render.
package prompts

import (
	_ "embed"
	"strings"
)

//go:embed system.txt
var System string

//go:embed log_analysis.txt
var LogAnalysis string

//go:embed log_detection.txt
var LogDetection string

// LogDetectionUser takes {input}.
//
//go:embed log_detection_user.txt
var LogDetectionUser string

//go:embed credentials_extraction.txt
var CredentialsExtraction string

// EMQXTool is the system prompt of the broker agent.
//
//go:embed emqx_tool.txt
var EMQXTool string

// BrokerStatusUser takes {question}.
//
//go:embed broker_status_user.txt
var BrokerStatusUser string

// BrokerNetworkUser takes {question}.
//
//go:embed broker_network_user.txt
var BrokerNetworkUser string

// BrokerConnectionError replaces broker context when the broker cannot be
// queried.
//
//go:embed broker_connection_error.txt
var BrokerConnectionError string

// Render replaces each {key} in tmpl with vars[key]. Unknown placeholders
// are left as is. Values are inserted once; placeholders inside values are
// not expanded.
func Render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(tmpl))
}
