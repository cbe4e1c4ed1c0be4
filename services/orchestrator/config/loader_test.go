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
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

// TestLoad_Defaults verifies defaults when there is no file and no env.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", mapLookup(nil))
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("LLM.Model = %q, want gpt-4o", cfg.LLM.Model)
	}
	if cfg.WebSocket.PingInterval != 20 || cfg.WebSocket.Timeout != 60 {
		t.Errorf("WebSocket = %+v, want ping 20 timeout 60", cfg.WebSocket)
	}
	if cfg.Session.TTL != 3600 {
		t.Errorf("Session.TTL = %d, want 3600", cfg.Session.TTL)
	}
	if !cfg.IsProduction() {
		t.Error("default environment should be production")
	}
}

// TestLoad_FileThenEnv verifies env overrides win over the YAML file.
func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	content := []byte("server:\n  port: 8000\n  environment: development\nllm:\n  model: gpt-4o-mini\nsession:\n  ttl: 120\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := load(path, mapLookup(map[string]string{
		"PORT":            "9000",
		"LLM_API_KEY":     "sk-test",
		"LLM_TEMPERATURE": "0.2",
		"CORS_ORIGINS":    "https://a.example, https://b.example",
		"VECTOR_STORE":    "memory",
	}))
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want env value 9000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM.Model = %q, want file value", cfg.LLM.Model)
	}
	if cfg.Session.TTL != 120 {
		t.Errorf("Session.TTL = %d, want 120", cfg.Session.TTL)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM.Temperature = %v, want 0.2", cfg.LLM.Temperature)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.LLM.EmbeddingAPIKey != "sk-test" {
		t.Errorf("EmbeddingAPIKey should default to LLM_API_KEY, got %q", cfg.LLM.EmbeddingAPIKey)
	}
	if cfg.IsProduction() {
		t.Error("environment should be development")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// TestLoad_PathFromEnv verifies KB_CONFIG is used when no path is given.
func TestLoad_PathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := load("", mapLookup(map[string]string{EnvConfigPath: path}))
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "missing.yaml"), mapLookup(nil)); err == nil {
		t.Error("expected error for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := load(bad, mapLookup(nil)); err == nil {
		t.Error("expected error for invalid YAML")
	}

	if _, err := load("", mapLookup(map[string]string{"PORT": "eighty"})); err == nil {
		t.Error("expected error for a non-numeric PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid production", func(c *Config) { c.LLM.APIKey = "k"; c.Auth.JWTSecret = "s" }, false},
		{"missing api key", func(c *Config) { c.Auth.JWTSecret = "s" }, true},
		{"missing jwt secret in production", func(c *Config) { c.LLM.APIKey = "k" }, true},
		{"missing jwt secret in development", func(c *Config) {
			c.LLM.APIKey = "k"
			c.Server.Environment = "development"
		}, false},
		{"postgres without url", func(c *Config) {
			c.LLM.APIKey = "k"
			c.Auth.JWTSecret = "s"
			c.Store.DatabaseURL = ""
		}, true},
		{"memory store without url", func(c *Config) {
			c.LLM.APIKey = "k"
			c.Auth.JWTSecret = "s"
			c.Store.Backend = "memory"
			c.Store.DatabaseURL = ""
		}, false},
		{"unknown provider", func(c *Config) {
			c.LLM.APIKey = "k"
			c.Auth.JWTSecret = "s"
			c.LLM.Provider = "ollama"
		}, true},
		{"bad port", func(c *Config) {
			c.LLM.APIKey = "k"
			c.Auth.JWTSecret = "s"
			c.Server.Port = 70000
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestWriteDefault verifies the written file round-trips to the defaults.
func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workflow.Timeout != 120 {
		t.Errorf("Workflow.Timeout = %d, want 120", cfg.Workflow.Timeout)
	}
}

func TestSeconds(t *testing.T) {
	if Seconds(20) != 20*time.Second {
		t.Errorf("Seconds(20) = %v", Seconds(20))
	}
}
