package cycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

// ToolCallRunner executes one cycle's assistant-requested tool calls in
// LLM-emitted order under hook interception.
type ToolCallRunner struct {
	Registry *tools.Registry
	Hooks    *hooks.Manager
}

// InterruptionProvider is polled between tool calls for steering messages
// injected from outside the run. A non-empty return skips the remaining
// calls in the current cycle with error_code=skipped_due_to_steering.
type InterruptionProvider func(ctx context.Context) []types.Message

// ToolCallsResult is the outcome of running one cycle's tool calls.
type ToolCallsResult struct {
	// Messages is the tool-role (and any image-notification) messages to
	// append to history, in execution order.
	Messages []types.Message
	// Results is the normalized result for every call, including
	// synthetic skipped results.
	Results []types.ToolExecutionResult
	// Directive is set when a dispatched tool returned finish or
	// wait_user; it is the result that triggered termination.
	Directive *types.ToolExecutionResult
	// InterruptionMessages carries messages returned by the interruption
	// provider, to be inserted before the next cycle.
	InterruptionMessages []types.Message
}

// Run dispatches calls in order under hook interception, stopping at the
// first terminal directive or steering interruption.
func (r *ToolCallRunner) Run(
	ctx context.Context,
	task types.AgentTask,
	tc *tools.Context,
	cycleIndex int,
	calls []types.ToolCall,
	sharedState map[string]any,
	interrupt InterruptionProvider,
) (ToolCallsResult, error) {
	var out ToolCallsResult

	for i, call := range calls {
		if tc.Cancel != nil {
			if err := tc.Cancel.Check(); err != nil {
				return out, err
			}
		}

		if out.Directive != nil {
			skipped := skippedResult(call.ID, skipCodeForDirective(*out.Directive))
			out.Results = append(out.Results, skipped)
			out.Messages = append(out.Messages, skipped.ToToolMessage())
			continue
		}

		if interrupt != nil {
			if pending := interrupt(ctx); len(pending) > 0 {
				out.InterruptionMessages = append(out.InterruptionMessages, pending...)
				for _, remaining := range calls[i:] {
					skipped := skippedResult(remaining.ID, "skipped_due_to_steering")
					out.Results = append(out.Results, skipped)
					out.Messages = append(out.Messages, skipped.ToToolMessage())
				}
				return out, nil
			}
		}

		mutatedCall, shortCircuit, err := r.Hooks.ApplyBeforeToolCall(ctx, task, cycleIndex, call, sharedState)
		if err != nil {
			return out, fmt.Errorf("cycle: before_tool_call hook: %w", err)
		}

		var result types.ToolExecutionResult
		if shortCircuit != nil {
			result = *shortCircuit
			if result.ToolCallID == "" {
				result.ToolCallID = call.ID
			}
		} else {
			result = tools.Dispatch(ctx, r.Registry, tc, mutatedCall)
		}

		result, err = r.Hooks.ApplyAfterToolCall(ctx, task, cycleIndex, mutatedCall, result, sharedState)
		if err != nil {
			return out, fmt.Errorf("cycle: after_tool_call hook: %w", err)
		}
		if result.ToolCallID == "" {
			result.ToolCallID = mutatedCall.ID
		}

		out.Results = append(out.Results, result)
		out.Messages = append(out.Messages, result.ToToolMessage())

		if (result.ImageURL != "" || result.ImagePath != "") && tc.MultimodalOK {
			out.Messages = append(out.Messages, imageNotification(result))
		}

		if result.Directive == types.DirectiveFinish || result.Directive == types.DirectiveWaitUser {
			r := result
			out.Directive = &r
		}
	}

	return out, nil
}

func skipCodeForDirective(result types.ToolExecutionResult) string {
	if result.Directive == types.DirectiveWaitUser {
		return "skipped_due_to_wait_user"
	}
	return "skipped_due_to_finish"
}

func skippedResult(toolCallID, errorCode string) types.ToolExecutionResult {
	message := "skipped: a prior tool call in this cycle already produced a terminal result"
	if errorCode == "skipped_due_to_steering" {
		message = "skipped: a steering message arrived before this tool call ran"
	}
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
		Directive:  types.DirectiveContinue,
		Content:    string(content),
	}
}

func imageNotification(result types.ToolExecutionResult) types.Message {
	url := result.ImageURL
	if url == "" {
		url = result.ImagePath
	}
	return types.Message{
		Role:     types.RoleUser,
		Content:  fmt.Sprintf("[image result for tool call %s available at %s]", result.ToolCallID, url),
		ImageURL: result.ImageURL,
	}
}
