// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates engine requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool_use, usage) back onto hooks.LLMResponse.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an Anthropic-backed client from a Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport and the given API key; an empty key is rejected.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and normalizes the
// response onto hooks.LLMResponse.
func (c *Client) Complete(ctx context.Context, modelID string, messages []types.Message, tools []map[string]any, stream model.StreamCallback) (hooks.LLMResponse, error) {
	if len(messages) == 0 {
		return hooks.LLMResponse{}, errors.New("anthropic: messages are required")
	}
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return hooks.LLMResponse{}, errors.New("anthropic: model identifier is required")
	}
	toolParams, err := encodeTools(tools)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	msgs, system := encodeMessages(messages)
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	resp, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return hooks.LLMResponse{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return hooks.LLMResponse{}, model.NewProviderError("anthropic", "messages.new", 0, model.ErrorKindUnknown, "", err.Error(), "", false, err)
	}
	result := translateResponse(resp)
	if stream != nil && result.Content != "" {
		stream(result.Content)
	}
	return result, nil
}

func encodeMessages(messages []types.Message) ([]sdk.MessageParam, string) {
	var system strings.Builder
	var out []sdk.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				if system.Len() > 0 {
					system.WriteString("\n")
				}
				system.WriteString(msg.Content)
			}
		case types.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case types.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case types.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	return out, system.String()
}

func encodeTools(tools []map[string]any) ([]sdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		schema, _ := t["input_schema"].(map[string]any)
		if schema == nil {
			schema = t
		}
		b, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal tool %q schema: %w", name, err)
		}
		var inputSchema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(b, &inputSchema); err != nil {
			return nil, fmt.Errorf("anthropic: decode tool %q schema: %w", name, err)
		}
		out = append(out, sdk.ToolUnionParamOfTool(inputSchema, name, sdk.ToolParam{Description: sdk.String(desc)}))
	}
	return out, nil
}

func translateResponse(msg *sdk.Message) hooks.LLMResponse {
	var text strings.Builder
	var toolCalls []types.ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(v.Text)
		case sdk.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal(v.Input, &args)
			toolCalls = append(toolCalls, types.ToolCall{ID: v.ID, Name: v.Name, Arguments: args})
		}
	}
	usage := types.TokenUsage{
		InputTokens:   int(msg.Usage.InputTokens),
		OutputTokens:  int(msg.Usage.OutputTokens),
		TotalTokens:   int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreation: int(msg.Usage.CacheCreationInputTokens),
		CachedTokens:  int(msg.Usage.CacheReadInputTokens),
	}
	return hooks.LLMResponse{
		Content:   text.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
		Raw: map[string]any{
			"usage":       usage,
			"stop_reason": string(msg.StopReason),
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
