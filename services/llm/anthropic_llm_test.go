package llm

import (
	"encoding/json"
	"testing"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireJSON returns v as the generic JSON the SDK would send.
func wireJSON(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func newTestAnthropicClient(t *testing.T) *AnthropicClient {
	t.Helper()
	client, err := NewAnthropicClient(AnthropicConfig{
		APIKey:      "test-key",
		Model:       "claude-sonnet-4-5",
		Temperature: 0.7,
	})
	require.NoError(t, err)
	return client
}

func TestNewAnthropicClient_MissingKey(t *testing.T) {
	_, err := NewAnthropicClient(AnthropicConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAnthropicClient_BuildParams(t *testing.T) {
	client := newTestAnthropicClient(t)
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "You are an EMQX support assistant."},
		{Role: datatypes.RoleUser, Content: "How do I enable TLS?"},
	}

	tests := []struct {
		name      string
		params    GenerationParams
		wantTemp  float64
		wantMax   float64
		wantStops any
	}{
		{"client defaults", GenerationParams{}, 0.7, defaultAnthropicMaxTokens, nil},
		{"zero temperature", GenerationParams{Temperature: Float32(0)}, 0, defaultAnthropicMaxTokens, nil},
		{"overrides", GenerationParams{Temperature: Float32(0.2), MaxTokens: Int(256), Stop: []string{"END"}}, 0.2, 256, []any{"END"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := wireJSON(t, client.buildParams(messages, tt.params))

			assert.Equal(t, "claude-sonnet-4-5", body["model"])
			assert.Equal(t, tt.wantMax, body["max_tokens"])
			require.Contains(t, body, "temperature")
			assert.InDelta(t, tt.wantTemp, body["temperature"], 1e-6)
			assert.Equal(t, tt.wantStops, body["stop_sequences"])

			system, ok := body["system"].([]any)
			require.True(t, ok, "system prompt goes out of band")
			require.Len(t, system, 1)
			assert.Equal(t, "You are an EMQX support assistant.", system[0].(map[string]any)["text"])

			msgs := body["messages"].([]any)
			require.Len(t, msgs, 1, "the system turn is not sent as a message")
			assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
		})
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	tests := []struct {
		name      string
		in        datatypes.Message
		wantRole  string
		wantTypes []string
	}{
		{"user text", datatypes.Message{Role: datatypes.RoleUser, Content: "hi"}, "user", []string{"text"}},
		{"tool result", datatypes.Message{Role: datatypes.RoleTool, ToolCallID: "call_1", Content: `{"nodes":1}`}, "user", []string{"tool_result"}},
		{"assistant tool call", datatypes.Message{
			Role:      datatypes.RoleAssistant,
			Content:   "Checking the cluster.",
			ToolCalls: []datatypes.ToolCall{{ID: "call_1", Name: "get_cluster_status", Arguments: `{"verbose":true}`}},
		}, "assistant", []string{"text", "tool_use"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := buildAnthropicMessages([]datatypes.Message{tt.in})
			require.Len(t, out, 1)

			msg := wireJSON(t, out[0])
			assert.Equal(t, tt.wantRole, msg["role"])
			blocks := msg["content"].([]any)
			require.Len(t, blocks, len(tt.wantTypes))
			for i, want := range tt.wantTypes {
				assert.Equal(t, want, blocks[i].(map[string]any)["type"])
			}
		})
	}
}

func TestBuildAnthropicMessages_BlockContents(t *testing.T) {
	out := buildAnthropicMessages([]datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "dropped"},
		{Role: datatypes.RoleUser, Content: ""},
		{Role: datatypes.RoleAssistant, ToolCalls: []datatypes.ToolCall{{ID: "call_9", Name: "check_port", Arguments: "not json"}}},
		{Role: datatypes.RoleTool, ToolCallID: "call_9", Content: "port 8883 open"},
	})
	require.Len(t, out, 2, "system and empty user turns are skipped")

	use := wireJSON(t, out[0])["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "call_9", use["id"])
	assert.Equal(t, "check_port", use["name"])
	assert.Equal(t, map[string]any{}, use["input"], "unparseable arguments become an empty object")

	result := wireJSON(t, out[1])["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "call_9", result["tool_use_id"])
	assert.Contains(t, string(mustJSON(t, result["content"])), "port 8883 open")
}

func TestBuildAnthropicTools(t *testing.T) {
	tools := buildAnthropicTools([]ToolDefinition{
		{
			Name:        "get_connector_status",
			Description: "Status of one connector",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"connector_id": map[string]any{"type": "string"}},
				"required":   []string{"connector_id"},
			},
		},
		{Name: "get_cluster_status", Description: "Cluster nodes", Parameters: map[string]any{"type": "object"}},
	})
	require.Len(t, tools, 2)

	first := wireJSON(t, tools[0])
	assert.Equal(t, "get_connector_status", first["name"])
	assert.Equal(t, "Status of one connector", first["description"])
	schema := first["input_schema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"connector_id"}, schema["required"])
	assert.Contains(t, schema["properties"], "connector_id")

	second := wireJSON(t, tools[1])
	assert.Equal(t, "object", second["input_schema"].(map[string]any)["type"])
	assert.NotContains(t, second["input_schema"], "required")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
