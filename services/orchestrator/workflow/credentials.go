// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/broker"
)

const noCredentialsSentinel = "NO_CREDENTIALS"

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseCredentials reads the credential extraction reply.
//
// # Description
//
// The reply is either NO_CREDENTIALS or text containing a JSON object with
// api_endpoint, username and password. The span from the first "{" to the
// last "}" is decoded. A parse failure or any missing or empty field
// yields ok == false; partial credentials are never returned.
func ParseCredentials(reply string) (creds broker.Credentials, ok bool) {
	reply = strings.TrimSpace(reply)
	if reply == noCredentialsSentinel || !strings.Contains(reply, "{") {
		return broker.Credentials{}, false
	}
	match := jsonObjectPattern.FindString(reply)
	if match == "" {
		return broker.Credentials{}, false
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return broker.Credentials{}, false
	}
	field := func(k string) string {
		s, _ := raw[k].(string)
		return strings.TrimSpace(s)
	}
	creds = broker.Credentials{
		APIEndpoint: field("api_endpoint"),
		Username:    field("username"),
		Password:    field("password"),
	}
	if !creds.Complete() {
		return broker.Credentials{}, false
	}
	return creds, true
}

// hasScheme reports whether endpoint starts with http:// or https://.
func hasScheme(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// schemeFromResponse maps a free-text answer to "https" or "http".
func schemeFromResponse(resp string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp)), "https") {
		return "https"
	}
	return "http"
}
