// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "KB_CONFIG"

// Load reads the configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (or at
// $KB_CONFIG when path is empty; no file is fine), then applies
// environment overrides. The result is not validated; call Validate.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path, _ = lookup(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = n
	}
	num64 := func(key string, dst *int64) {
		n := int(*dst)
		num(key, &n)
		*dst = int64(n)
	}

	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("VECTOR_STORE", &cfg.Store.Backend)
	str("WEAVIATE_URL", &cfg.Store.WeaviateURL)

	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("LLM_API_KEY", &cfg.LLM.APIKey)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("LLM_MODEL", &cfg.LLM.Model)
	str("EMBEDDING_API_KEY", &cfg.LLM.EmbeddingAPIKey)
	str("EMBEDDING_MODEL", &cfg.LLM.EmbeddingModel)
	num("EMBEDDING_DIMENSION", &cfg.LLM.EmbeddingDimension)
	if v, ok := lookup("LLM_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return fmt.Errorf("LLM_TEMPERATURE: %w", err)
		}
		cfg.LLM.Temperature = float32(f)
	}

	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	str("ENVIRONMENT", &cfg.Server.Environment)
	num("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	num64("MAX_UPLOAD_SIZE", &cfg.Server.MaxUploadSize)
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}

	str("JWT_SECRET", &cfg.Auth.JWTSecret)

	num("WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	num("WEBSOCKET_TIMEOUT", &cfg.WebSocket.Timeout)
	num64("WEBSOCKET_MAX_MESSAGE_SIZE", &cfg.WebSocket.MaxMessageSize)

	num("SESSION_TTL", &cfg.Session.TTL)
	str("SESSION_SWEEP_CRON", &cfg.Session.SweepCron)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	str("LOG_DIR", &cfg.Logging.Dir)

	if cfg.LLM.EmbeddingAPIKey == "" {
		cfg.LLM.EmbeddingAPIKey = cfg.LLM.APIKey
	}
	return firstErr
}
