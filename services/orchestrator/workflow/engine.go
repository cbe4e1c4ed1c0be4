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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/broker"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/memory"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/emqx/emqx-knowledge-base/workflow")

// Fixed user-facing messages.
const (
	MessageLLMUnavailable = "Error: LLM is not initialized. Please try again later."
	MessageTimeout        = "Sorry, generating a response took too long. Please try again."
	MessageGenerationFail = "Sorry, I encountered an error while generating a response. Please try again."
)

var (
	// ErrWorkflowTimeout is returned by Run when the run budget is exceeded.
	ErrWorkflowTimeout = errors.New("workflow: run timed out")

	// ErrUnknownEvent means a step returned an event no step accepts.
	ErrUnknownEvent = errors.New("workflow: unknown event")
)

// =============================================================================
// Configuration and Dependencies
// =============================================================================

// Config holds run budgets and retrieval settings.
type Config struct {
	// Timeout bounds a whole run.
	Timeout time.Duration

	// BrokerTimeout bounds the broker query step.
	BrokerTimeout time.Duration

	// Retrieval thresholds and limits.
	Retrieval retrieval.Options

	// LogAttachmentChars is the attachment text length above which the
	// classifier is skipped and the attachment is analyzed as a log.
	LogAttachmentChars int

	// Temperature for the streamed answer.
	Temperature float32
}

// DefaultConfig returns a 120s run budget, a 60s broker budget and the
// default retrieval options.
func DefaultConfig() Config {
	return Config{
		Timeout:            120 * time.Second,
		BrokerTimeout:      60 * time.Second,
		Retrieval:          retrieval.DefaultOptions(),
		LogAttachmentChars: 200,
		Temperature:        0.7,
	}
}

// Retriever is the context source consumed by the gather step.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options, alreadyAttached []datatypes.FileAttachment) (retrieval.Result, error)
}

// Deps are the collaborators of a workflow. LLM may be nil, in which case
// every run stops at the first step with MessageLLMUnavailable. Prober may
// be nil, in which case broker queries report the connection error text.
type Deps struct {
	LLM       llm.ChatClient
	Retriever Retriever
	Prober    broker.Prober
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// =============================================================================
// Workflow
// =============================================================================

// Workflow is one session's pipeline instance.
//
// # Description
//
// A Workflow owns the session's conversation memory and any broker
// credentials the user supplied. Credentials persist across runs of the
// same session until a later message supplies new ones.
//
// # Thread Safety
//
// Runs must not overlap; the session layer serializes them. Credentials
// are guarded so inspection from other goroutines is safe.
type Workflow struct {
	cfg       Config
	llm       llm.ChatClient
	retriever Retriever
	prober    broker.Prober
	memory    *memory.Buffer
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	creds broker.Credentials
}

// New creates a workflow over mem.
func New(mem *memory.Buffer, deps Deps, cfg Config) *Workflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if mem == nil {
		mem = memory.NewBuffer(memory.DefaultTokenLimit)
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = def.BrokerTimeout
	}
	if cfg.LogAttachmentChars <= 0 {
		cfg.LogAttachmentChars = def.LogAttachmentChars
	}
	return &Workflow{
		cfg:       cfg,
		llm:       deps.LLM,
		retriever: deps.Retriever,
		prober:    deps.Prober,
		memory:    mem,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// Memory returns the session memory.
func (w *Workflow) Memory() *memory.Buffer { return w.memory }

// Credentials returns the broker credentials captured so far.
func (w *Workflow) Credentials() (broker.Credentials, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creds, w.creds.Complete()
}

// SetCredentials replaces the session's broker credentials.
func (w *Workflow) SetCredentials(c broker.Credentials) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creds = c
}

// Run drives one input through the pipeline.
//
// # Description
//
// Steps run sequentially until one returns a StopEvent. Side-channel
// events (status, tokens, broker info) go to em in production order.
//
// # Outputs
//
//   - StopEvent: Always set, except when ctx is cancelled.
//   - error: nil on success or a handled failure; ErrWorkflowTimeout when
//     the run budget expired; ctx.Err() when the caller cancelled.
//
// # Limitations
//
//   - On cancellation or timeout, memory is rolled back to its state
//     before the run, so partial output is never kept.
func (w *Workflow) Run(ctx context.Context, start StartEvent, em Emitter) (StopEvent, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "workflow.run")
	defer span.End()

	checkpoint := w.memory.Checkpoint()
	path := PathQuestion
	var ev Event = start

	for {
		name := stepName(ev)
		began := time.Now()
		next, err := w.dispatch(ctx, ev, em)
		w.metrics.ObserveStep(name, time.Since(began).Seconds())

		if err != nil {
			w.memory.Rollback(checkpoint)
			span.RecordError(err)
			switch {
			case parent.Err() != nil:
				w.logger.Info("Workflow cancelled", "step", name)
				w.metrics.RecordWorkflowRun(string(path), "cancelled")
				return StopEvent{}, parent.Err()
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				w.logger.Warn("Workflow timed out", "step", name, "timeout", w.cfg.Timeout)
				span.SetStatus(codes.Error, "timeout")
				w.metrics.RecordWorkflowRun(string(path), "timeout")
				return StopEvent{Message: MessageTimeout, Path: path}, ErrWorkflowTimeout
			default:
				w.logger.Error("Workflow step failed", "step", name, "error", err)
				span.SetStatus(codes.Error, err.Error())
				w.metrics.RecordWorkflowRun(string(path), "error")
				return StopEvent{Message: MessageGenerationFail, Path: path}, err
			}
		}

		if isLogPath(next) {
			path = PathLog
		}
		if stop, ok := next.(StopEvent); ok {
			if err := parent.Err(); err != nil {
				w.memory.Rollback(checkpoint)
				w.logger.Info("Workflow cancelled", "step", name)
				w.metrics.RecordWorkflowRun(string(path), "cancelled")
				return StopEvent{}, err
			}
			if stop.Path == "" {
				stop.Path = path
			}
			span.SetAttributes(attribute.String("workflow.path", string(stop.Path)))
			w.metrics.RecordWorkflowRun(string(stop.Path), "success")
			return stop, nil
		}
		ev = next
	}
}

func (w *Workflow) dispatch(ctx context.Context, ev Event, em Emitter) (Event, error) {
	ctx, span := tracer.Start(ctx, "workflow.step."+stepName(ev))
	defer span.End()

	switch e := ev.(type) {
	case StartEvent:
		return w.classifyInput(ctx, e, em)
	case ContextForQuestion:
		return w.gatherContext(ctx, e.Question, "", e.Attachments, false, em)
	case ContextForLogAnalysis:
		return w.gatherContext(ctx, e.Question, e.LogData, e.Attachments, true, em)
	case QuestionContext:
		return w.routeOnCredentials(e), nil
	case LogAnalysisContext:
		return w.routeOnCredentials(e), nil
	case QueryBrokerForQuestion:
		brokerCtx, err := w.queryBroker(ctx, e.Question, em)
		if err != nil {
			return nil, err
		}
		return AnswerQuestionWithContext{QuestionContext: e.QuestionContext, BrokerContext: brokerCtx}, nil
	case QueryBrokerForLogAnalysis:
		brokerCtx, err := w.queryBroker(ctx, e.Question, em)
		if err != nil {
			return nil, err
		}
		return AnalyzeLogWithContext{LogAnalysisContext: e.LogAnalysisContext, BrokerContext: brokerCtx}, nil
	case AnswerQuestionWithContext:
		return w.answerQuestion(ctx, e, em)
	case AnalyzeLogWithContext:
		return w.analyzeLog(ctx, e, em)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func stepName(ev Event) string {
	switch ev.(type) {
	case StartEvent:
		return "classify_input"
	case ContextForQuestion, ContextForLogAnalysis:
		return "gather_context"
	case QuestionContext, LogAnalysisContext:
		return "extract_credentials"
	case QueryBrokerForQuestion, QueryBrokerForLogAnalysis:
		return "query_broker"
	case AnswerQuestionWithContext:
		return "answer_question"
	case AnalyzeLogWithContext:
		return "analyze_log"
	default:
		return "unknown"
	}
}

func isLogPath(ev Event) bool {
	switch ev.(type) {
	case ContextForLogAnalysis, LogAnalysisContext, QueryBrokerForLogAnalysis, AnalyzeLogWithContext:
		return true
	}
	return false
}
