// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the HTTP and WebSocket surface on a gin engine.
package routes

import (
	"net/http"
	"strings"

	"github.com/emqx/emqx-knowledge-base/pkg/extensions"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/handlers"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps are the handlers and cross-cutting collaborators the routes need.
//
// # Description
//
// A nil Gateway, Ask or Knowledge handler leaves its routes unregistered,
// which lets tests and the lightweight CLI serve a subset. A nil Auth
// accepts every request.
type Deps struct {
	Gateway   *handlers.Gateway
	Ask       *handlers.AskHandler
	Knowledge *handlers.KnowledgeHandler

	Auth    extensions.AuthProvider
	Store   handlers.Pinger
	Metrics *observability.Metrics

	// CORSOrigins lists allowed origins. "*" allows any origin.
	CORSOrigins []string

	// ServiceName enables otelgin spans when set.
	ServiceName string

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler
}

// SetupRoutes registers middleware and routes on router.
//
// # Description
//
// Layout:
//
//	GET  /health, /api/health, /ready, /metrics
//	GET  /ws/chat                  (token in query string)
//	POST /api/ask, /api/ask/stream, /api/analyze-log
//	POST /api/knowledge/threads, /api/knowledge/files
//
// Everything under /api except /api/health requires a bearer token.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.ServiceName != "" {
		router.Use(otelgin.Middleware(deps.ServiceName))
	}
	router.Use(corsMiddleware(deps.CORSOrigins))
	router.Use(metricsMiddleware(deps.Metrics))

	auth := deps.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(deps.Store))
	router.GET("/metrics", gin.WrapH(metricsHandler))

	if deps.Gateway != nil {
		router.GET("/ws/chat", deps.Gateway.HandleChatWebSocket)
	}

	api := router.Group("/api")
	api.GET("/health", handlers.HealthCheck)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(auth))
	{
		if deps.Ask != nil {
			protected.POST("/ask", deps.Ask.HandleAsk)
			protected.POST("/ask/stream", deps.Ask.HandleAskStream)
			protected.POST("/analyze-log", deps.Ask.HandleAnalyzeLog)
		}
		if deps.Knowledge != nil {
			knowledge := protected.Group("/knowledge")
			knowledge.POST("/threads", deps.Knowledge.HandleSaveThread)
			knowledge.POST("/files", deps.Knowledge.HandleUploadFile)
		}
	}
}

// =============================================================================
// Middleware
// =============================================================================

// corsMiddleware answers preflight requests and sets the allow headers for
// listed origins. An empty list allows none.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			_, ok := allowed[origin]
			if allowAll || ok {
				h := c.Writer.Header()
				if allowAll {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// metricsMiddleware counts requests by route template and status. Unmatched
// paths are recorded as "unmatched" to keep label cardinality bounded.
func metricsMiddleware(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(endpoint, c.Writer.Status())
	}
}
