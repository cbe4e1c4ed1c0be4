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
	"fmt"
	"strconv"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/llm"
)

// Tool error codes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution. The agent
// reports it back to the model as the tool's output.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a ToolError.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Tool is a function the broker agent may call.
//
// Implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique snake_case tool name.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Parameters returns a JSON schema object for the arguments.
	Parameters() map[string]any

	// Call runs the tool with decoded arguments.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Definition converts a Tool to the LLM tool-calling shape.
func Definition(t Tool) llm.ToolDefinition {
	return llm.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}

type funcTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Parameters() map[string]any { return t.parameters }
func (t *funcTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

var _ Tool = (*funcTool)(nil)

// NewToolset returns the broker and network tools bound to client.
//
// # Outputs
//
//   - get_cluster_info: node list with version, edition and status
//   - get_connector_info: data integration connectors (optional connector_id)
//   - get_authentication_info: authenticators (optional authentication_id)
//   - check_port_available: TCP reachability of host:port
//   - get_ping_response_time: average ICMP RTT in ms, -1 when unreachable
func NewToolset(client *Client) []Tool {
	return []Tool{
		&funcTool{
			name: "get_cluster_info",
			description: "Return the EMQX cluster information: version, edition (open source or enterprise), " +
				"node status (running or stopped), connections, memory and load for every node.",
			parameters: objectSchema(nil, nil),
			fn: func(ctx context.Context, _ map[string]any) (string, error) {
				return client.ClusterStatus(ctx)
			},
		},
		&funcTool{
			name: "get_connector_info",
			description: "Return EMQX data integration connectors and their status. Connector tags start with " +
				"\"CONNECTOR\", such as \"CONNECTOR/MYSQL\". Omit connector_id to list all connectors.",
			parameters: objectSchema(map[string]any{
				"connector_id": map[string]any{"type": "string", "description": "Connector ID, e.g. mysql:my_connector"},
			}, nil),
			fn: func(ctx context.Context, args map[string]any) (string, error) {
				id, err := optionalString(args, "get_connector_info", "connector_id")
				if err != nil {
					return "", err
				}
				return client.ConnectorStatus(ctx, id)
			},
		},
		&funcTool{
			name: "get_authentication_info",
			description: "Return EMQX authenticators and their status. Authentication tags start with " +
				"\"AUTHN\", such as \"AUTHN/WEBHOOK\". Omit authentication_id to list all authenticators.",
			parameters: objectSchema(map[string]any{
				"authentication_id": map[string]any{"type": "string", "description": "Authenticator ID, e.g. password_based:built_in_database"},
			}, nil),
			fn: func(ctx context.Context, args map[string]any) (string, error) {
				id, err := optionalString(args, "get_authentication_info", "authentication_id")
				if err != nil {
					return "", err
				}
				return client.AuthenticationStatus(ctx, id)
			},
		},
		&funcTool{
			name:        "check_port_available",
			description: "Check whether a remote host:port accepts TCP connections, like telnet. Returns true or false.",
			parameters: objectSchema(map[string]any{
				"host":    map[string]any{"type": "string", "description": "IP address or hostname"},
				"port":    map[string]any{"type": "integer", "description": "Port number"},
				"timeout": map[string]any{"type": "number", "description": "Timeout in seconds (default 2)"},
			}, []string{"host", "port"}),
			fn: func(ctx context.Context, args map[string]any) (string, error) {
				host, err := requiredString(args, "check_port_available", "host")
				if err != nil {
					return "", err
				}
				port, err := requiredInt(args, "check_port_available", "port")
				if err != nil {
					return "", err
				}
				timeout := defaultDialTimeout
				if v, ok := args["timeout"].(float64); ok && v > 0 {
					timeout = time.Duration(v * float64(time.Second))
				}
				return strconv.FormatBool(PortReachable(ctx, host, port, timeout)), nil
			},
		},
		&funcTool{
			name:        "get_ping_response_time",
			description: "Get the average ICMP ping response time to a host in milliseconds, or -1 if the host is unreachable.",
			parameters: objectSchema(map[string]any{
				"host":  map[string]any{"type": "string", "description": "IP address or hostname"},
				"count": map[string]any{"type": "integer", "description": "Number of pings to average (default 5)"},
			}, []string{"host"}),
			fn: func(ctx context.Context, args map[string]any) (string, error) {
				host, err := requiredString(args, "get_ping_response_time", "host")
				if err != nil {
					return "", err
				}
				count := defaultPingCount
				if v, ok := args["count"].(float64); ok && v > 0 {
					count = int(v)
				}
				return strconv.FormatFloat(PingLatencyMs(ctx, host, count), 'f', 2, 64), nil
			},
		},
	}
}

// =============================================================================
// Argument Helpers
// =============================================================================

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func optionalString(args map[string]any, tool, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewToolError(tool, key+" must be a string", CodeValidation)
	}
	return s, nil
}

func requiredString(args map[string]any, tool, key string) (string, error) {
	s, err := optionalString(args, tool, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", NewToolError(tool, key+" is required", CodeValidation)
	}
	return s, nil
}

func requiredInt(args map[string]any, tool, key string) (int, error) {
	switch v := args[key].(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, NewToolError(tool, key+" must be an integer", CodeValidation)
		}
		return n, nil
	case nil:
		return 0, NewToolError(tool, key+" is required", CodeValidation)
	default:
		return 0, NewToolError(tool, key+" must be an integer", CodeValidation)
	}
}
