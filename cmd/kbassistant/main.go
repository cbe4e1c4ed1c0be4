// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kbassistant runs the EMQX knowledge base assistant.
//
// # Configuration
//
// Settings come from a YAML file (--config or $KB_CONFIG) overlaid with
// environment variables such as LLM_API_KEY, DATABASE_URL and JWT_SECRET.
// `kbassistant config init` writes the defaults to a file.
//
// # Usage
//
//	# Create the schema, then serve
//	kbassistant init-db
//	kbassistant serve
//
//	# Mint a token for a WebSocket client
//	kbassistant token --subject alice --ttl 12h
//
//	# Load a saved thread
//	kbassistant ingest thread ./thread.json
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
