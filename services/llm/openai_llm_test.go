package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAIClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "gpt-4o",
	})
	require.NoError(t, err)
	return client
}

func TestNewOpenAIClient_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOpenAIClient_Chat(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"NO"},"finish_reason":"stop"}]}`)
	})

	out, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "is this a log?"},
	}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "NO", out)
}

func TestOpenAIClient_Chat_SendsTemperature(t *testing.T) {
	tests := []struct {
		name   string
		params GenerationParams
		want   float64
	}{
		{"explicit zero", GenerationParams{Temperature: Float32(0)}, float64(float32(math.SmallestNonzeroFloat32))},
		{"explicit value", GenerationParams{Temperature: Float32(0.5)}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				temp, ok := body["temperature"]
				require.True(t, ok, "temperature must be sent")
				assert.Greater(t, temp.(float64), 0.0)
				assert.InDelta(t, tt.want, temp.(float64), 1e-9)

				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"NO"},"finish_reason":"stop"}]}`)
			})

			_, err := client.Chat(context.Background(), []datatypes.Message{
				{Role: datatypes.RoleUser, Content: "is this a log?"},
			}, tt.params)
			require.NoError(t, err)
		})
	}
}

func TestOpenAIClient_ChatStream_PreservesOrder(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"En", "able ", "TLS"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "tls?"},
	}, GenerationParams{}, func(ev StreamEvent) error {
		if ev.Type == StreamEventToken {
			got = append(got, ev.Content)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"En", "able ", "TLS"}, got)
}

func TestOpenAIClient_ChatWithTools_ReturnsToolCalls(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tools, ok := body["tools"].([]any)
		require.True(t, ok)
		assert.Len(t, tools, 1)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_cluster_info","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`)
	})

	msg, err := client.ChatWithTools(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "status?"}},
		[]ToolDefinition{{Name: "get_cluster_info", Description: "cluster", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}}},
		GenerationParams{})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "get_cluster_info", msg.ToolCalls[0].Name)
}

func TestOpenAIClient_Embed(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`)
	})

	vec, err := client.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIClient_Chat_ServerError(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	_, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "x"}}, GenerationParams{})
	assert.Error(t, err)
}
