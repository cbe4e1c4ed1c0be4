package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int64
}

// --- Client Implementation ---

type AnthropicClient struct {
	client      anthropic.Client
	model       anthropic.Model
	temperature float32
	maxTokens   int64
}

var _ LLMClient = (*AnthropicClient)(nil)

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
		slog.Info("LLM model not set, defaulting", "model", cfg.Model)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Chat implements the ChatClient interface
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.buildParams(messages, params))
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("received content but no text block found")
	}
	return sb.String(), nil
}

// ChatStream implements the ChatClient interface
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(messages, params))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Text}); err != nil {
					return err
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("anthropic stream failed: %w", err)
	}
	return nil
}

// ChatWithTools implements the ToolCaller interface
func (a *AnthropicClient) ChatWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolDefinition, params GenerationParams) (datatypes.Message, error) {
	p := a.buildParams(messages, params)
	p.Tools = buildAnthropicTools(tools)

	resp, err := a.client.Messages.New(ctx, p)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("anthropic api error: %w", err)
	}

	out := datatypes.Message{Role: datatypes.RoleAssistant}
	var sb strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.AsText().Text)
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := "{}"
			if len(toolBlock.Input) > 0 {
				args = string(toolBlock.Input)
			}
			out.ToolCalls = append(out.ToolCalls, datatypes.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}
	out.Content = sb.String()
	return out, nil
}

func (a *AnthropicClient) buildParams(messages []datatypes.Message, params GenerationParams) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Messages:    buildAnthropicMessages(messages),
		Temperature: anthropic.Float(float64(a.temperature)),
	}
	if params.Temperature != nil {
		p.Temperature = anthropic.Float(float64(*params.Temperature))
	}
	if params.MaxTokens != nil {
		p.MaxTokens = int64(*params.MaxTokens)
	}
	if params.TopP != nil {
		p.TopP = anthropic.Float(float64(*params.TopP))
	}
	if len(params.Stop) > 0 {
		p.StopSequences = params.Stop
	}

	// Anthropic takes system prompts out of band.
	for _, m := range messages {
		if m.Role == datatypes.RoleSystem && m.Content != "" {
			p.System = append(p.System, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return p
}

// buildAnthropicMessages converts chat turns. Tool results are sent as
// tool_result blocks inside a user turn.
func buildAnthropicMessages(messages []datatypes.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case datatypes.RoleSystem:
			continue
		case datatypes.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case datatypes.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out[i] = tool
	}
	return out
}
