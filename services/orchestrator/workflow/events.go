// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow implements the per-session pipeline that turns one user
// input into one streamed answer.
//
// # Description
//
// A run moves through a fixed sequence of steps. Each step consumes one
// Event variant and returns the next, and the engine dispatches on the
// variant with a type switch:
//
//	StartEvent
//	  -> ContextForQuestion | ContextForLogAnalysis        (classify)
//	  -> QuestionContext | LogAnalysisContext              (gather context)
//	  -> QueryBrokerFor* | AnswerQuestion*/AnalyzeLog*     (route on credentials)
//	  -> AnswerQuestionWithContext | AnalyzeLogWithContext (query broker)
//	  -> StopEvent                                         (stream answer)
//
// Every run ends with exactly one StopEvent.
package workflow

import (
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/store"
)

// Event is the closed set of pipeline events. Only types in this package
// implement it.
type Event interface {
	isEvent()
}

// Path is the branch a run took.
type Path string

const (
	PathQuestion Path = "question"
	PathLog      Path = "log"
)

// StartEvent begins a run. AnalyzeLog skips classification and treats
// Input as log data.
type StartEvent struct {
	Input       string
	Attachments []datatypes.FileAttachment
	AnalyzeLog  bool
}

// ContextForQuestion routes a question to context gathering.
type ContextForQuestion struct {
	Question    string
	Attachments []datatypes.FileAttachment
}

// ContextForLogAnalysis routes log data to context gathering.
type ContextForLogAnalysis struct {
	Question    string
	LogData     string
	Attachments []datatypes.FileAttachment
}

// QuestionContext carries retrieved context for a question.
type QuestionContext struct {
	Question    string
	Context     string
	Sources     []store.ScoredEntry
	Attachments []datatypes.FileAttachment
}

// LogAnalysisContext carries retrieved context for log data.
type LogAnalysisContext struct {
	Question    string
	LogData     string
	Context     string
	Sources     []store.ScoredEntry
	Attachments []datatypes.FileAttachment
}

// QueryBrokerForQuestion asks for live broker context before answering.
type QueryBrokerForQuestion struct {
	QuestionContext
}

// QueryBrokerForLogAnalysis asks for live broker context before analyzing.
type QueryBrokerForLogAnalysis struct {
	LogAnalysisContext
}

// AnswerQuestionWithContext is the input of the answer step.
type AnswerQuestionWithContext struct {
	QuestionContext
	BrokerContext string
}

// AnalyzeLogWithContext is the input of the log analysis step.
type AnalyzeLogWithContext struct {
	LogAnalysisContext
	BrokerContext string
}

// InputRequiredEvent pauses a run for user clarification.
type InputRequiredEvent struct {
	Prompt string
}

// HumanResponseEvent answers an InputRequiredEvent.
type HumanResponseEvent struct {
	Response string
}

// StopEvent ends a run. BrokerContext is "" when no broker query ran.
type StopEvent struct {
	Message       string
	BrokerContext string
	Path          Path
	Sources       []store.ScoredEntry
	Attachments   []datatypes.FileAttachment
}

func (StartEvent) isEvent()                {}
func (ContextForQuestion) isEvent()        {}
func (ContextForLogAnalysis) isEvent()     {}
func (QuestionContext) isEvent()           {}
func (LogAnalysisContext) isEvent()        {}
func (QueryBrokerForQuestion) isEvent()    {}
func (QueryBrokerForLogAnalysis) isEvent() {}
func (AnswerQuestionWithContext) isEvent() {}
func (AnalyzeLogWithContext) isEvent()     {}
func (InputRequiredEvent) isEvent()        {}
func (HumanResponseEvent) isEvent()        {}
func (StopEvent) isEvent()                 {}
