// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/handlers"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ingest"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/session"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type nopIngester struct{}

func (nopIngester) IngestThread(ctx context.Context, req datatypes.ThreadIngestRequest) (int64, error) {
	return 1, nil
}

func (nopIngester) IngestFile(ctx context.Context, up ingest.FileUpload) (*datatypes.FileAttachment, error) {
	return &datatypes.FileAttachment{FileName: up.FileName}, nil
}

// noLLMFactory builds workflows that stop immediately with the
// LLM-unavailable message.
func noLLMFactory(id string) *workflow.Workflow {
	mem := memory.NewBuffer(0, memory.WithCounter(memory.CounterFunc(memory.ApproxCount)))
	return workflow.New(mem, workflow.Deps{}, workflow.DefaultConfig())
}

func fullDeps(metrics *observability.Metrics) Deps {
	sessions := session.NewManager(time.Hour)
	auth := middleware.NewJWTAuthProvider("test-secret", true)
	return Deps{
		Gateway:     handlers.NewGateway(sessions, noLLMFactory, auth, handlers.DefaultGatewayConfig(), metrics, nil),
		Ask:         handlers.NewAskHandler(sessions, noLLMFactory, handlers.DefaultAskConfig(), metrics, nil),
		Knowledge:   handlers.NewKnowledgeHandler(nopIngester{}, 0, metrics, nil),
		Auth:        auth,
		Metrics:     metrics,
		CORSOrigins: []string{"https://kb.example.com"},
	}
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func hasRoute(routes gin.RoutesInfo, method, path string) bool {
	for _, r := range routes {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// =============================================================================
// Route Registration Tests
// =============================================================================

func TestSetupRoutes_RegistersAllRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/api/health"},
		{"GET", "/ready"},
		{"GET", "/metrics"},
		{"GET", "/ws/chat"},
		{"POST", "/api/ask"},
		{"POST", "/api/ask/stream"},
		{"POST", "/api/analyze-log"},
		{"POST", "/api/knowledge/threads"},
		{"POST", "/api/knowledge/files"},
	}

	routes := router.Routes()
	for _, e := range expected {
		assert.True(t, hasRoute(routes, e.method, e.path), "expected route %s %s", e.method, e.path)
	}
}

func TestSetupRoutes_NilHandlersSkipRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, Deps{})

	routes := router.Routes()
	assert.True(t, hasRoute(routes, "GET", "/health"))
	assert.True(t, hasRoute(routes, "GET", "/ready"))
	for _, path := range []string{"/ws/chat", "/api/ask", "/api/analyze-log", "/api/knowledge/threads"} {
		for _, method := range []string{"GET", "POST"} {
			assert.False(t, hasRoute(routes, method, path), "%s %s should not be registered", method, path)
		}
	}
}

// =============================================================================
// Route Handler Tests
// =============================================================================

func TestSetupRoutes_HealthEndpoints(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	for _, path := range []string{"/health", "/api/health", "/ready"} {
		w := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_ReadyReflectsStore(t *testing.T) {
	router := gin.New()
	deps := fullDeps(nil)
	deps.Store = pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	SetupRoutes(router, deps)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

// =============================================================================
// Authentication Tests
// =============================================================================

func TestSetupRoutes_APIRequiresToken(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	paths := []string{"/api/ask", "/api/ask/stream", "/api/analyze-log", "/api/knowledge/threads", "/api/knowledge/files"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w := serve(router, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestSetupRoutes_APIAcceptsValidToken(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	token, err := middleware.IssueToken("test-secret", "u1", "", "", time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"question":"How do I enable TLS?"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := serve(router, req)

	// The factory has no LLM, so the authenticated request reaches the
	// workflow and reports the service as unavailable.
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), workflow.MessageLLMUnavailable)
}

func TestSetupRoutes_NilAuthAcceptsAll(t *testing.T) {
	router := gin.New()
	deps := fullDeps(nil)
	deps.Auth = nil
	SetupRoutes(router, deps)

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge/threads",
		strings.NewReader(`{"channel_id":"C1","thread_ts":"1.0","messages":[{"user":"U1","text":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(router, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Middleware Tests
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"listed origin", []string{"https://kb.example.com"}, "https://kb.example.com", "https://kb.example.com"},
		{"unlisted origin", []string{"https://kb.example.com"}, "https://evil.example.com", ""},
		{"wildcard", []string{"*"}, "https://any.example.com", "*"},
		{"no origins", nil, "https://kb.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(corsMiddleware(tt.origins))
			router.GET("/health", handlers.HealthCheck)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := serve(router, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, fullDeps(nil))

	req := httptest.NewRequest(http.MethodOptions, "/api/ask", nil)
	req.Header.Set("Origin", "https://kb.example.com")
	w := serve(router, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://kb.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestMetricsMiddleware_RecordsRouteTemplate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	router := gin.New()
	SetupRoutes(router, fullDeps(metrics))

	serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	serve(router, httptest.NewRequest(http.MethodPost, "/api/ask", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/no/such/path", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/api/ask", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("unmatched", "4xx")))
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
