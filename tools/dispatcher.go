package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopkit/agentrt/toolerrors"
	"github.com/loopkit/agentrt/types"
)

// Dispatch takes (registry, context, call) and returns a normalized
// ToolExecutionResult:
//  1. Unknown tool → error result, error_code=tool_not_found.
//  2. Arguments failing schema validation → error_code=invalid_arguments_json.
//  3. Invoke handler with the ToolContext.
//  4. Ensure ToolCallID is set.
//  5. Map wait_user directive onto status_code WAIT_RESPONSE.
func Dispatch(ctx context.Context, registry *Registry, tc *Context, call types.ToolCall) types.ToolExecutionResult {
	reg, ok := registry.Lookup(Ident(call.Name))
	if !ok {
		return errorResult(call.ID, "tool_not_found", fmt.Sprintf("unknown tool %q", call.Name))
	}
	if reg.compiled != nil {
		if err := reg.compiled.Validate(call.Arguments); err != nil {
			return errorResult(call.ID, "invalid_arguments_json", err.Error())
		}
	}
	result, err := invokeHandler(ctx, reg.Handler, tc, call)
	if err != nil {
		var te *toolerrors.ToolError
		if e, ok := err.(*toolerrors.ToolError); ok {
			te = e
		} else {
			te = toolerrors.FromError(err)
		}
		return errorResult(call.ID, "handler_exception", te.Error())
	}
	if result.ToolCallID == "" {
		result.ToolCallID = call.ID
	}
	normalizeStatus(&result)
	return result
}

func invokeHandler(ctx context.Context, h Handler, tc *Context, call types.ToolCall) (result types.ToolExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toolerrors.NewFault(fmt.Sprintf("tool handler panicked: %v", r))
		}
	}()
	return h(ctx, tc, call)
}

func normalizeStatus(result *types.ToolExecutionResult) {
	switch result.Directive {
	case types.DirectiveWaitUser:
		result.StatusCode = types.StatusWaitResponse
	default:
		if result.StatusCode == "" {
			if result.ErrorCode != "" {
				result.StatusCode = types.StatusError
			} else {
				result.StatusCode = types.StatusOK
			}
		}
	}
	if result.Status == "" {
		if result.StatusCode == types.StatusError {
			result.Status = "error"
		} else {
			result.Status = "ok"
		}
	}
}

func errorResult(toolCallID, errorCode, message string) types.ToolExecutionResult {
	content, _ := json.Marshal(map[string]any{
		"ok":         false,
		"error":      message,
		"error_code": errorCode,
	})
	return types.ToolExecutionResult{
		ToolCallID: toolCallID,
		Status:     "error",
		StatusCode: types.StatusError,
		ErrorCode:  errorCode,
		Content:    string(content),
		Directive:  types.DirectiveContinue,
	}
}
