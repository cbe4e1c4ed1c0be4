// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emqx/emqx-knowledge-base/services/llm"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/prompts"
)

const defaultMaxRounds = 6

// ErrTooManyRounds is returned when the model keeps requesting tools after
// the round limit.
var ErrTooManyRounds = errors.New("broker agent: tool round limit reached")

// Agent runs a bounded tool-calling loop.
//
// # Description
//
// Each round sends the conversation and tool definitions to the model. If
// the reply requests tools, every call is executed in order and its output
// appended as a tool message; otherwise the reply text is the result.
// Tool failures are reported back to the model as JSON, not returned.
//
// # Thread Safety
//
// An Agent holds no per-run state and may be shared.
type Agent struct {
	caller    llm.ToolCaller
	tools     map[string]Tool
	defs      []llm.ToolDefinition
	maxRounds int
	logger    *slog.Logger
}

// NewAgent creates an agent over tools.
func NewAgent(caller llm.ToolCaller, tools []Tool, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		caller:    caller,
		tools:     make(map[string]Tool, len(tools)),
		maxRounds: defaultMaxRounds,
		logger:    logger,
	}
	for _, t := range tools {
		a.tools[t.Name()] = t
		a.defs = append(a.defs, Definition(t))
	}
	return a
}

// Run answers userPrompt, calling tools as the model requests.
func (a *Agent) Run(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: systemPrompt},
		{Role: datatypes.RoleUser, Content: userPrompt},
	}
	params := llm.GenerationParams{Temperature: llm.Float32(0)}

	for round := 0; round < a.maxRounds; round++ {
		reply, err := a.caller.ChatWithTools(ctx, msgs, a.defs, params)
		if err != nil {
			return "", fmt.Errorf("broker agent round %d: %w", round+1, err)
		}
		if len(reply.ToolCalls) == 0 {
			return strings.TrimSpace(reply.Content), nil
		}

		msgs = append(msgs, reply)
		for _, call := range reply.ToolCalls {
			out := a.invoke(ctx, call)
			msgs = append(msgs, datatypes.Message{
				Role:       datatypes.RoleTool,
				ToolCallID: call.ID,
				Content:    out,
			})
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", ErrTooManyRounds
}

func (a *Agent) invoke(ctx context.Context, call datatypes.ToolCall) string {
	tool, ok := a.tools[call.Name]
	if !ok {
		return toolErrorJSON(NewToolError(call.Name, "unknown tool", CodeValidation))
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolErrorJSON(NewToolError(call.Name, "arguments are not a JSON object: "+err.Error(), CodeValidation))
		}
	}

	a.logger.Info("Broker agent calling tool", "tool", call.Name)
	out, err := tool.Call(ctx, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return toolErrorJSON(te)
		}
		return toolErrorJSON(NewToolError(call.Name, err.Error(), CodeExecution))
	}
	return out
}

func toolErrorJSON(te *ToolError) string {
	b, _ := json.Marshal(map[string]*ToolError{"error": te})
	return string(b)
}

// =============================================================================
// Status Probe
// =============================================================================

// Prober gathers live broker context for a question.
type Prober interface {
	Query(ctx context.Context, creds Credentials, question string) (string, error)
}

// StatusProbe runs the broker agent twice: once for cluster, connector and
// authentication status, once for network diagnostics of hosts named in
// the question.
type StatusProbe struct {
	caller     llm.ToolCaller
	clientOpts []Option
	logger     *slog.Logger
}

var _ Prober = (*StatusProbe)(nil)

// NewStatusProbe creates a probe. clientOpts apply to every Client it builds.
func NewStatusProbe(caller llm.ToolCaller, logger *slog.Logger, clientOpts ...Option) *StatusProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusProbe{caller: caller, clientOpts: clientOpts, logger: logger}
}

// Query returns "<status>\n\nNetwork Analysis:\n<network>".
func (p *StatusProbe) Query(ctx context.Context, creds Credentials, question string) (string, error) {
	if !creds.Complete() {
		return "", fmt.Errorf("broker probe: incomplete credentials")
	}
	agent := NewAgent(p.caller, NewToolset(NewClient(creds, p.clientOpts...)), p.logger)
	vars := map[string]string{"question": question}

	status, err := agent.Run(ctx, prompts.EMQXTool, prompts.Render(prompts.BrokerStatusUser, vars))
	if err != nil {
		return "", err
	}
	network, err := agent.Run(ctx, prompts.EMQXTool, prompts.Render(prompts.BrokerNetworkUser, vars))
	if err != nil {
		return "", err
	}
	return status + "\n\nNetwork Analysis:\n" + network, nil
}
