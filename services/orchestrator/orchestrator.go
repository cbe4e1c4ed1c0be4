// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the knowledge-base assistant into a runnable
// HTTP service.
//
// The Service owns the knowledge store, the LLM backend, the session
// manager, the background session sweep and the gin router that exposes
// the WebSocket gateway and the HTTP API.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// Tests and tools can inject prebuilt collaborators through Components.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/emqx/emqx-knowledge-base/pkg/extensions"
	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/broker"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/config"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/handlers"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ingest"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/middleware"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/retrieval"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/routes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/session"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/ttl"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/workflow"
	"github.com/gin-gonic/gin"
)

// ServiceName is reported in traces and logs.
const ServiceName = "emqx-knowledge-base"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the lifecycle of the assistant.
//
// # Description
//
// Run serves until ctx is cancelled and then shuts down gracefully. Close
// releases the store, the scheduler and the tracer; Run calls it on
// return, so it only needs calling directly when Run is never called.
//
// # Thread Safety
//
// Run should be called at most once. Router is safe to call at any time.
type Service interface {
	Run(ctx context.Context) error
	Router() *gin.Engine
	Close() error
}

// =============================================================================
// Components
// =============================================================================

// Components are optional prebuilt collaborators. A nil field is built
// from the configuration.
//
// # Description
//
// Metrics should be injected whenever more than one Service is built in a
// process, because the default metrics register on the global registry.
type Components struct {
	Store    store.KnowledgeStore
	LLM      llm.LLMClient
	Embedder llm.Embedder
	Auth     extensions.AuthProvider
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Fields are read-only after New returns; Close clears the ones it
// releases.
type service struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	store     store.KnowledgeStore
	sessions  *session.Manager
	scheduler ttl.Scheduler
	router    *gin.Engine

	tracerShutdown func(context.Context)
}

var _ Service = (*service)(nil)

// New builds the service.
//
// # Description
//
// Order: tracer, metrics, knowledge store, LLM backend and embedder,
// retriever and broker probe, session manager and sweep scheduler,
// handlers and router. A missing LLM key is not fatal here; the
// workflow then answers every message with the LLM-unavailable text.
// Callers that want startup to fail should run cfg.Validate first.
//
// # Inputs
//
//   - ctx: Bounds store connection and schema setup.
//   - cfg: Loaded configuration.
//   - comps: Prebuilt collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Store, tracer or scheduler setup failure.
func New(ctx context.Context, cfg config.Config, comps *Components) (Service, error) {
	if comps == nil {
		comps = &Components{}
	}
	logger := comps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &service{cfg: cfg, logger: logger}

	shutdown, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName:  ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Stdout:       cfg.Tracing.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	s.metrics = comps.Metrics
	if s.metrics == nil {
		s.metrics = observability.InitMetrics()
	}

	s.store = comps.Store
	if s.store == nil {
		s.store, err = OpenStore(ctx, cfg, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := EnsureSchema(ctx, s.store); err != nil {
			logger.Warn("Knowledge store schema check failed", "error", err)
		}
	}

	client := comps.LLM
	if client == nil {
		client, err = NewLLM(cfg.LLM)
		if err != nil {
			if !errors.Is(err, llm.ErrNotConfigured) {
				s.Close()
				return nil, err
			}
			logger.Warn("LLM backend not configured, answers will report it as unavailable")
		}
	}
	embedder := comps.Embedder
	if embedder == nil {
		embedder = NewEmbedder(cfg.LLM, client)
	}
	if embedder == nil {
		logger.Warn("No embedder configured, retrieval uses zero vectors and ingestion is disabled")
	}

	retriever := retrieval.NewRetriever(embedder, s.store, cfg.LLM.EmbeddingDimension, logger)
	var prober broker.Prober
	if client != nil {
		prober = broker.NewStatusProbe(client, logger,
			broker.WithRateLimit(cfg.Broker.RateLimit, cfg.Broker.RateBurst),
			broker.WithMetrics(s.metrics),
			broker.WithLogger(logger),
		)
	}

	s.sessions = session.NewManager(config.Seconds(cfg.Session.TTL),
		session.WithMetrics(s.metrics),
		session.WithLogger(logger),
	)
	factory := newWorkflowFactory(cfg, workflow.Deps{
		LLM:       client,
		Retriever: retriever,
		Prober:    prober,
		Metrics:   s.metrics,
		Logger:    logger,
	})

	s.scheduler, err = ttl.NewTTLScheduler(s.sessions, logger, ttl.SchedulerConfig{
		Interval: config.Seconds(cfg.Session.SweepInterval),
		CronSpec: cfg.Session.SweepCron,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	auth := comps.Auth
	if auth == nil {
		auth = newAuthProvider(cfg, logger)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, routes.Deps{
		Gateway: handlers.NewGateway(s.sessions, factory, auth, handlers.GatewayConfig{
			PingInterval:   config.Seconds(cfg.WebSocket.PingInterval),
			ReadTimeout:    config.Seconds(cfg.WebSocket.Timeout),
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			InputTimeout:   config.Seconds(cfg.Workflow.InputTimeout),
		}, s.metrics, logger),
		Ask: handlers.NewAskHandler(s.sessions, factory, handlers.AskConfig{
			Timeout:       config.Seconds(cfg.Server.RequestTimeout),
			MaxUploadSize: cfg.Server.MaxUploadSize,
		}, s.metrics, logger),
		Knowledge:   handlers.NewKnowledgeHandler(ingest.NewIngester(embedder, s.store, logger), cfg.Server.MaxUploadSize, s.metrics, logger),
		Auth:        auth,
		Store:       s.store,
		Metrics:     s.metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
		ServiceName: ServiceName,
	})

	return s, nil
}

// Run starts the sweep scheduler and serves HTTP until ctx is cancelled.
//
// # Description
//
// On cancellation the server stops accepting connections and waits up to
// 10s for in-flight requests. Hijacked WebSocket connections are not
// waited for; their runs end when the process exits.
//
// # Outputs
//
//   - error: nil after a clean shutdown, else the listen error.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session sweep: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting knowledge base server", "addr", addr, "environment", s.cfg.Server.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down knowledge base server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown did not complete", "error", err)
	}
	return nil
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the scheduler and releases the store and tracer. Safe to
// call more than once.
func (s *service) Close() error {
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.store = nil
	}
	if s.tracerShutdown != nil {
		s.tracerShutdown(context.Background())
		s.tracerShutdown = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Private Helpers
// =============================================================================

// newWorkflowFactory returns the per-session workflow constructor. Each
// session gets its own memory buffer bounded by session.token_limit.
func newWorkflowFactory(cfg config.Config, deps workflow.Deps) session.Factory {
	wcfg := workflow.Config{
		Timeout:       config.Seconds(cfg.Workflow.Timeout),
		BrokerTimeout: config.Seconds(cfg.Workflow.BrokerTimeout),
		Retrieval: retrieval.Options{
			KnowledgeThreshold: cfg.Workflow.KnowledgeThreshold,
			KnowledgeK:         cfg.Workflow.KnowledgeLimit,
			FileThreshold:      cfg.Workflow.FileThreshold,
			FileK:              cfg.Workflow.FileLimit,
		},
		LogAttachmentChars: cfg.Workflow.LogAttachmentChars,
		Temperature:        cfg.LLM.Temperature,
	}
	return func(id string) *workflow.Workflow {
		return workflow.New(memory.NewBuffer(cfg.Session.TokenLimit), deps, wcfg)
	}
}

// newAuthProvider validates JWTs signed with the configured secret and
// accepts the development token outside production.
func newAuthProvider(cfg config.Config, logger *slog.Logger) extensions.AuthProvider {
	allowDev := !cfg.IsProduction()
	if cfg.Auth.JWTSecret == "" && allowDev {
		logger.Warn("JWT_SECRET not set, only the development token is accepted")
	}
	return middleware.NewJWTAuthProvider(cfg.Auth.JWTSecret, allowDev)
}
