// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API using github.com/openai/openai-go, mapping responses
// back onto hooks.LLMResponse.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, satisfied by the real SDK's Chat.Completions service.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client via OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed client from a Chat client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, modelID string, messages []types.Message, tools []map[string]any, stream model.StreamCallback) (hooks.LLMResponse, error) {
	if len(messages) == 0 {
		return hooks.LLMResponse{}, errors.New("openai: messages are required")
	}
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return hooks.LLMResponse{}, errors.New("openai: model identifier is required")
	}
	toolParams, err := encodeTools(tools)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: encodeMessages(messages),
		Tools:    toolParams,
	}
	if c.maxTok > 0 {
		params.MaxTokens = sdk.Int(int64(c.maxTok))
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return hooks.LLMResponse{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return hooks.LLMResponse{}, model.NewProviderError("openai", "chat.completions.new", 0, model.ErrorKindUnknown, "", err.Error(), "", false, err)
	}
	result := translateResponse(resp)
	if stream != nil && result.Content != "" {
		stream(result.Content)
	}
	return result, nil
}

func encodeMessages(messages []types.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case types.RoleUser:
			out = append(out, sdk.UserMessage(msg.Content))
		case types.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfAssistant: &sdk.ChatCompletionAssistantMessageParam{ToolCalls: calls},
			})
		case types.RoleTool:
			out = append(out, sdk.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

func encodeTools(tools []map[string]any) ([]sdk.ChatCompletionToolParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		schema, _ := t["input_schema"].(map[string]any)
		if schema == nil {
			schema = t
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        name,
				Description: sdk.String(desc),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return out, nil
}

func translateResponse(resp *sdk.ChatCompletion) hooks.LLMResponse {
	var content string
	var toolCalls []types.ToolCall
	var stopReason string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		content = choice.Message.Content
		stopReason = string(choice.FinishReason)
		for _, call := range choice.Message.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
			toolCalls = append(toolCalls, types.ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
		}
	}
	usage := types.TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
		CachedTokens:     int(resp.Usage.PromptTokensDetails.CachedTokens),
		ReasoningTokens:  int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
	}
	return hooks.LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     usage,
		Raw: map[string]any{
			"usage":       usage,
			"stop_reason": stopReason,
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(err.Error(), "rate limit")
}
