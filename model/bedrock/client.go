// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It mirrors the request pipeline used by the other
// adapters in this tree: split system vs. conversational messages, encode
// tool schemas into Bedrock's ToolConfiguration, and translate Converse
// responses (text + tool_use blocks) back into hooks.LLMResponse.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

// RuntimeClient is the subset of the AWS Bedrock runtime client the adapter
// calls, satisfied by *bedrockruntime.Client so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed client from a runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// Complete issues a Converse request and normalizes the response onto
// hooks.LLMResponse.
func (c *Client) Complete(ctx context.Context, modelID string, messages []types.Message, tools []map[string]any, stream model.StreamCallback) (hooks.LLMResponse, error) {
	if len(messages) == 0 {
		return hooks.LLMResponse{}, errors.New("bedrock: messages are required")
	}
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return hooks.LLMResponse{}, errors.New("bedrock: model identifier is required")
	}
	toolConfig, nameMap, err := encodeTools(tools)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	msgs, system, err := encodeMessages(messages)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return hooks.LLMResponse{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return hooks.LLMResponse{}, model.NewProviderError("bedrock", "converse", 0, model.ErrorKindUnknown, "", err.Error(), "", false, err)
	}
	result, err := translateResponse(output, nameMap)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	if stream != nil && result.Content != "" {
		stream(result.Content)
	}
	return result, nil
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if c.maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTok)) //nolint:gosec // bounded by caller configuration
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(messages []types.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	var out []brtypes.Message
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: msg.Content})
			}
		case types.RoleUser:
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: msg.Content}},
			})
		case types.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     lazyDocument(tc.Arguments),
				}})
			}
			if len(blocks) > 0 {
				out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		case types.RoleTool:
			out = append(out, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: msg.Content}},
				}}},
			})
		}
	}
	return out, system, nil
}

// encodeTools builds the Bedrock ToolConfiguration plus a provider-name to
// canonical-name map, since Bedrock tool names are more restrictive than the
// engine's tool identifiers and callers must round-trip the reported name in
// tool_use blocks back to the registered tool.
func encodeTools(tools []map[string]any) (*brtypes.ToolConfiguration, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(tools))
	nameMap := make(map[string]string, len(tools))
	for _, t := range tools {
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := t["description"].(string)
		schema, _ := t["input_schema"].(map[string]any)
		if schema == nil {
			schema = t
		}
		nameMap[name] = name
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(name),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nameMap, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (hooks.LLMResponse, error) {
	if output == nil {
		return hooks.LLMResponse{}, errors.New("bedrock: response is nil")
	}
	var result hooks.LLMResponse
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				result.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
					if canonical, ok := nameMap[name]; ok {
						name = canonical
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				var args map[string]any
				if data := decodeDocument(v.Value.Input); len(data) > 0 {
					_ = json.Unmarshal(data, &args)
				}
				result.ToolCalls = append(result.ToolCalls, types.ToolCall{ID: id, Name: name, Arguments: args})
			}
		}
	}
	if output.Usage != nil {
		usage := types.TokenUsage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(output.Usage.TotalTokens)),
		}
		result.Usage = usage
		result.Raw = map[string]any{"usage": usage, "stop_reason": string(output.StopReason)}
	}
	return result, nil
}

// lazyDocument wraps v as a Bedrock document, taking its address so the SDK
// can marshal it via reflection regardless of the concrete type supplied.
func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// isRateLimited reports whether err represents a Bedrock throttling
// condition, recognized via either HTTP 429 or a known throttling error
// code.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
