package llm

import (
	"context"
	"errors"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
)

// ErrNotConfigured is returned by constructors when a backend has no API key.
var ErrNotConfigured = errors.New("llm backend not configured")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType classifies events delivered to a StreamCallback.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single fragment of a streamed completion.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives streamed fragments in generation order. Returning
// an error stops the stream and is returned from ChatStream.
type StreamCallback func(event StreamEvent) error

// ToolDefinition describes a function the model may call. Parameters is a
// JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatClient is the chat capability consumed by the workflow.
type ChatClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// ToolCaller is a chat capability that can request tool invocations. The
// returned message has Role "assistant" and either Content or ToolCalls set.
type ToolCaller interface {
	ChatWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolDefinition, params GenerationParams) (datatypes.Message, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMClient is the full capability set a provider backend exposes.
type LLMClient interface {
	ChatClient
	ToolCaller
}

// Float32 returns a pointer to v, for GenerationParams fields.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams fields.
func Int(v int) *int { return &v }
