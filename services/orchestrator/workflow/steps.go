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
	"strings"
	"unicode/utf8"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/broker"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/prompts"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/retrieval"
)

// Status narration sent to the client.
const (
	StatusAnalyzingInput   = "Analyzing input..."
	StatusSearching        = "Searching knowledge base for relevant information..."
	StatusCheckingBroker   = "Checking EMQX broker..."
	StatusAnswering        = "Answering your question..."
	StatusAnalyzingLogs    = "Analyzing logs..."
	clearLogAnalysis       = "log_analysis"
	attachmentPreviewChars = 500
	brokerSectionHeader    = "\n\n## Real-time EMQX Broker Information\n\n"
)

// =============================================================================
// Classify Input
// =============================================================================

// classifyInput records the input and decides between question and log
// analysis.
//
// An attachment with more than LogAttachmentChars characters of text skips
// the LLM entirely: the first attachment carrying text becomes the log
// data. This is a heuristic; a long non-log attachment is still analyzed
// as a log. Otherwise the LLM extracts broker credentials and answers a
// YES/NO log detection prompt.
func (w *Workflow) classifyInput(ctx context.Context, ev StartEvent, em Emitter) (Event, error) {
	w.memory.Put(datatypes.Message{Role: datatypes.RoleUser, Content: ev.Input})

	if w.hasSubstantialAttachment(ev.Attachments) {
		for _, a := range ev.Attachments {
			if a.ContentText != "" {
				w.logger.Info("Using file attachment as log data", "file", a.FileName)
				return ContextForLogAnalysis{Question: ev.Input, LogData: a.ContentText, Attachments: ev.Attachments}, nil
			}
		}
	}

	if ev.AnalyzeLog {
		return ContextForLogAnalysis{Question: ev.Input, LogData: ev.Input, Attachments: ev.Attachments}, nil
	}

	if w.llm == nil {
		w.logger.Error("LLM is not initialized in classify step")
		return StopEvent{Message: MessageLLMUnavailable}, nil
	}

	reply, err := w.llm.Chat(ctx, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: prompts.CredentialsExtraction},
		{Role: datatypes.RoleUser, Content: "Extract EMQX credentials if present:\n\n" + ev.Input},
	}, llm.GenerationParams{Temperature: llm.Float32(0)})
	if err != nil {
		return w.llmFailure(ctx, "credential extraction", err)
	}
	if creds, ok := ParseCredentials(reply); ok {
		w.logger.Info("EMQX credentials extracted from user message", "endpoint", creds.APIEndpoint)
		w.SetCredentials(creds)
	} else {
		w.logger.Info("No complete credentials in user message")
	}

	if err := em.Emit(ctx, status(StatusAnalyzingInput)); err != nil {
		return nil, err
	}

	detection, err := w.llm.Chat(ctx, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: prompts.LogDetection},
		{Role: datatypes.RoleUser, Content: detectionPrompt(ev)},
	}, llm.GenerationParams{Temperature: llm.Float32(0)})
	if err != nil {
		return w.llmFailure(ctx, "log detection", err)
	}

	isLog := strings.Contains(strings.ToUpper(strings.TrimSpace(detection)), "YES")
	w.logger.Info("Log detection result", "is_log", isLog)
	if isLog {
		return ContextForLogAnalysis{Question: ev.Input, LogData: ev.Input, Attachments: ev.Attachments}, nil
	}
	return ContextForQuestion{Question: ev.Input, Attachments: ev.Attachments}, nil
}

func (w *Workflow) hasSubstantialAttachment(attachments []datatypes.FileAttachment) bool {
	for _, a := range attachments {
		if utf8.RuneCountInString(a.ContentText) > w.cfg.LogAttachmentChars {
			w.logger.Info("File attachment with substantial content detected", "file", a.FileName)
			return true
		}
	}
	return false
}

// llmFailure fails closed: the run stops with a fixed message unless the
// failure was a cancellation.
func (w *Workflow) llmFailure(ctx context.Context, what string, err error) (Event, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	w.logger.Error("LLM call failed", "call", what, "error", err)
	return StopEvent{Message: MessageLLMUnavailable}, nil
}

func detectionPrompt(ev StartEvent) string {
	var sb strings.Builder
	sb.WriteString(prompts.Render(prompts.LogDetectionUser, map[string]string{"input": ev.Input}))
	if len(ev.Attachments) > 0 {
		sb.WriteString("\nAlso, check these file attachments for log data:\n")
		for _, a := range ev.Attachments {
			if a.ContentText == "" {
				continue
			}
			fmt.Fprintf(&sb, "\nFile: %s\nPreview: %s\n", a.FileName, preview(a.ContentText, attachmentPreviewChars))
		}
	}
	return sb.String()
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// =============================================================================
// Gather Context
// =============================================================================

func (w *Workflow) gatherContext(ctx context.Context, question, logData string, attachments []datatypes.FileAttachment, isLog bool, em Emitter) (Event, error) {
	if err := em.Emit(ctx, status(StatusSearching)); err != nil {
		return nil, err
	}

	res := retrieval.Result{Context: retrieval.NoContextSentinel, Attachments: attachments}
	if w.retriever != nil {
		var err error
		res, err = w.retriever.Retrieve(ctx, question, w.cfg.Retrieval, attachments)
		if err != nil {
			return nil, err
		}
	}

	if isLog {
		return LogAnalysisContext{
			Question: question, LogData: logData, Context: res.Context,
			Sources: res.Entries, Attachments: res.Attachments,
		}, nil
	}
	return QuestionContext{
		Question: question, Context: res.Context,
		Sources: res.Entries, Attachments: res.Attachments,
	}, nil
}

// =============================================================================
// Extract Credentials
// =============================================================================

// routeOnCredentials sends the run to the broker step when the session has
// complete credentials, else straight to the answer step with empty broker
// context. No I/O.
func (w *Workflow) routeOnCredentials(ev Event) Event {
	_, ok := w.Credentials()
	switch e := ev.(type) {
	case LogAnalysisContext:
		if ok {
			return QueryBrokerForLogAnalysis{LogAnalysisContext: e}
		}
		return AnalyzeLogWithContext{LogAnalysisContext: e}
	case QuestionContext:
		if ok {
			return QueryBrokerForQuestion{QuestionContext: e}
		}
		return AnswerQuestionWithContext{QuestionContext: e}
	}
	return ev
}

// =============================================================================
// Query Broker
// =============================================================================

// queryBroker returns live broker context. Failures become the fixed
// connection error text; only cancellation of the run is returned as an
// error. broker_info is always emitted before returning.
func (w *Workflow) queryBroker(ctx context.Context, question string, em Emitter) (string, error) {
	if err := em.Emit(ctx, status(StatusCheckingBroker)); err != nil {
		return "", err
	}

	creds, _ := w.Credentials()
	if !hasScheme(creds.APIEndpoint) {
		resp, err := em.RequestInput(ctx, InputRequiredEvent{
			Prompt: fmt.Sprintf("The EMQX endpoint %q has no scheme. Should I use http or https? (default: http)", creds.APIEndpoint),
		}, "http")
		if err != nil {
			return "", err
		}
		creds.APIEndpoint = schemeFromResponse(resp.Response) + "://" + creds.APIEndpoint
		w.SetCredentials(creds)
	}

	result, err := w.probe(ctx, creds, question)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		w.logger.Error("Error getting broker context", "error", err)
		result = strings.TrimSpace(prompts.BrokerConnectionError)
	}

	if err := em.Emit(ctx, datatypes.ServerEvent{Type: datatypes.EventBrokerInfo, Data: result}); err != nil {
		return "", err
	}
	return result, nil
}

func (w *Workflow) probe(ctx context.Context, creds broker.Credentials, question string) (string, error) {
	if w.prober == nil {
		return "", errors.New("no broker prober configured")
	}
	bctx, cancel := context.WithTimeout(ctx, w.cfg.BrokerTimeout)
	defer cancel()
	return w.prober.Query(bctx, creds, question)
}

// =============================================================================
// Answer and Analyze
// =============================================================================

func (w *Workflow) answerQuestion(ctx context.Context, ev AnswerQuestionWithContext, em Emitter) (Event, error) {
	if err := em.Emit(ctx, status(StatusAnswering)); err != nil {
		return nil, err
	}
	userPrompt := fmt.Sprintf("User input:\n```\n%s\n```\n\nContext Information:\n%s\n\n"+
		"Please provide a comprehensive answer to the user's question based on the context information.",
		ev.Question, withBroker(ev.Context, ev.BrokerContext))

	msg, err := w.generate(ctx, prompts.System, userPrompt, em)
	if err != nil {
		return nil, err
	}
	return StopEvent{
		Message: msg, BrokerContext: ev.BrokerContext, Path: PathQuestion,
		Sources: ev.Sources, Attachments: ev.Attachments,
	}, nil
}

func (w *Workflow) analyzeLog(ctx context.Context, ev AnalyzeLogWithContext, em Emitter) (Event, error) {
	if err := em.Emit(ctx, status(StatusAnalyzingLogs)); err != nil {
		return nil, err
	}
	w.logger.Info("Analyzing logs", "log_chars", len(ev.LogData))
	if err := em.Emit(ctx, datatypes.ServerEvent{Type: datatypes.EventClear, Data: clearLogAnalysis}); err != nil {
		return nil, err
	}
	userPrompt := fmt.Sprintf("EMQX Logs to analyze:\n```\n%s\n```\n\n"+
		"Additional Context Information (if helpful for your analysis):\n%s\n\n"+
		"Please provide a detailed analysis of these logs according to the guidelines.",
		ev.LogData, withBroker(ev.Context, ev.BrokerContext))

	msg, err := w.generate(ctx, prompts.LogAnalysis, userPrompt, em)
	if err != nil {
		return nil, err
	}
	return StopEvent{
		Message: msg, BrokerContext: ev.BrokerContext, Path: PathLog,
		Sources: ev.Sources, Attachments: ev.Attachments,
	}, nil
}

func withBroker(kbContext, brokerInfo string) string {
	if brokerInfo == "" {
		return kbContext
	}
	return kbContext + brokerSectionHeader + brokerInfo
}

// generate streams a completion over the session memory.
//
// Tokens are emitted in arrival order as they come. The assistant turn is
// written only after the stream completes. A failed stream yields
// MessageGenerationFail without an assistant turn. A cancelled run returns
// the ctx error even when the stream itself finished, so Run can roll
// memory back.
func (w *Workflow) generate(ctx context.Context, systemPrompt, userPrompt string, em Emitter) (string, error) {
	if w.llm == nil {
		return MessageLLMUnavailable, nil
	}

	w.memory.SetSystem(systemPrompt)
	w.memory.Put(datatypes.Message{Role: datatypes.RoleUser, Content: userPrompt})

	var sb strings.Builder
	err := w.llm.ChatStream(ctx, w.memory.Messages(), llm.GenerationParams{Temperature: llm.Float32(w.cfg.Temperature)},
		func(se llm.StreamEvent) error {
			if se.Type == llm.StreamEventError {
				return fmt.Errorf("stream error: %s", se.Error)
			}
			if se.Content == "" {
				return nil
			}
			sb.WriteString(se.Content)
			w.metrics.RecordToken()
			return em.Emit(ctx, datatypes.ServerEvent{Type: datatypes.EventToken, Data: se.Content})
		})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		w.logger.Error("Streaming completion failed", "error", err)
		return MessageGenerationFail, nil
	}
	// A stream can end cleanly after the caller gave up on it.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	answer := sb.String()
	w.memory.Put(datatypes.Message{Role: datatypes.RoleAssistant, Content: answer})
	return answer, nil
}

func status(msg string) datatypes.ServerEvent {
	return datatypes.ServerEvent{Type: datatypes.EventStatus, Data: msg}
}
