// Package runtime implements the Engine: the AgentRuntime that
// owns the LLM client, tool registry, hook manager, and execution backend,
// and drives one task from an AgentTask to an AgentResult by wiring the
// Cycle Runner and Tool-Call Runner into a backend.CycleExecutor closure.
// It also implements the sub-task runner that create_sub_task
// and batch_sub_tasks dispatch into.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopkit/agentrt/backend"
	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/cycle"
	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/memory"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
	"github.com/loopkit/agentrt/workspace"
)

// LogHandler receives one structured event per call:
// run_started, run_steered, cycle_started, cycle_llm_response,
// cycle_injected_messages, tool_result, cycle_failed, run_wait_user,
// run_completed, run_max_cycles.
type LogHandler func(event string, payload map[string]any)

// BeforeCycleMessageProvider is polled at the start of every cycle; any
// messages it returns are appended to history before the cycle runs (used by
// the session layer to drain queued steering prompts).
type BeforeCycleMessageProvider func(ctx context.Context, cycleIndex int, messages []types.Message, shared map[string]any) []types.Message

// SubAgentClientResolver resolves the LLM client and effective model id for
// a named sub-agent. The default runtime behavior (nil resolver) reuses the
// parent's client when the sub-agent's configured model matches the parent
// task's model, and fails otherwise. NewSettingsResolver builds a resolver
// that constructs fresh per-backend clients from a settings catalogue
// instead.
type SubAgentClientResolver func(parentTask types.AgentTask, agentName string, cfg types.SubAgentConfig) (model.Client, string, error)

// Runtime is the AgentRuntime: constructed once per agent definition and
// reused across runs. Fields are exported so callers assemble one with a
// struct literal, mirroring backend.Distributed's configuration shape.
type Runtime struct {
	LLM              model.Client
	Registry         *tools.Registry
	Hooks            *hooks.Manager
	Backend          backend.Backend
	DefaultWorkspace string
	WorkspaceBackend workspace.Backend
	LogHandler       LogHandler
	LogPreviewChars  int
	Summarize        memory.SummaryCallback
	ResolveSubAgent  SubAgentClientResolver
	SubAgentTimeout  time.Duration
}

// New returns a Runtime with the documented defaults: an Inline execution
// backend and a 220-character log preview width.
func New(llm model.Client, registry *tools.Registry, hookManager *hooks.Manager) *Runtime {
	if hookManager == nil {
		hookManager = hooks.NewManager()
	}
	return &Runtime{
		LLM:             llm,
		Registry:        registry,
		Hooks:           hookManager,
		Backend:         backend.NewInline(),
		LogPreviewChars: 220,
		SubAgentTimeout: 90 * time.Second,
	}
}

// RunRequest is the input to Run, grouped into a struct since Go has no
// keyword arguments for a parameter list this long.
type RunRequest struct {
	Task                  types.AgentTask
	Workspace             string
	SharedState           map[string]any
	InitialMessages       []types.Message
	UserMessage           string
	BeforeCycleMessages   BeforeCycleMessageProvider
	InterruptionMessages  cycle.InterruptionProvider
	Token                 *cancel.Token
	Stream                model.StreamCallback
	// LogHandler, when set, receives this run's log events instead of the
	// Runtime's own LogHandler — the hook the session layer uses to fan a
	// single shared Runtime's events out per-session.
	LogHandler LogHandler
}

// Run executes task to completion (or to WAIT_USER/FAILED/MAX_CYCLES):
// workspace resolution, shared-state merge, initial-message assembly,
// memory-manager construction, and delegation to the execution backend.
func (rt *Runtime) Run(ctx context.Context, req RunRequest) (types.AgentResult, error) {
	task := req.Task

	workspacePath, workspaceBackend, err := rt.resolveWorkspace(req.Workspace)
	if err != nil {
		return types.AgentResult{}, fmt.Errorf("runtime: resolve workspace: %w", err)
	}

	shared := mergeSharedState(req.SharedState, task)

	messages := buildInitialMessages(task, req.InitialMessages, req.UserMessage)

	log := req.LogHandler
	if log == nil {
		log = rt.LogHandler
	}

	emit(log, "run_started", map[string]any{
		"task_id":    task.TaskID,
		"model":      task.Model,
		"workspace":  workspacePath,
		"max_cycles": task.MaxCycles,
	})

	memoryManager := memory.New(task, workspaceBackend, rt.Summarize)

	executor := rt.buildCycleExecutor(task, workspacePath, workspaceBackend, memoryManager, req.BeforeCycleMessages, req.InterruptionMessages, req.Stream, log, req.Token)

	exec := rt.Backend
	if exec == nil {
		exec = backend.NewInline()
	}
	maxCycles := task.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 1
	}
	result, err := exec.Execute(ctx, req.Token, messages, shared, executor, maxCycles)
	if err == nil && result.Status == types.StatusMaxCycles {
		emit(log, "run_max_cycles", map[string]any{"task_id": task.TaskID, "cycles": len(result.Cycles)})
	}
	return result, err
}

func (rt *Runtime) resolveWorkspace(requested string) (string, workspace.Backend, error) {
	target := requested
	if target == "" {
		target = rt.DefaultWorkspace
	}
	if target == "" {
		target = filepath.Join(os.TempDir(), "agentrt-workspace")
	}
	if rt.WorkspaceBackend != nil {
		return target, rt.WorkspaceBackend, nil
	}
	local, err := workspace.NewLocal(target)
	if err != nil {
		return "", nil, err
	}
	return local.Root, local, nil
}

// mergeSharedState seeds shared state with an empty todo_list and copies a
// small set of skill-related keys out of task metadata when the caller
// hasn't already supplied them.
func mergeSharedState(provided map[string]any, task types.AgentTask) map[string]any {
	shared := make(map[string]any, len(provided)+1)
	for k, v := range provided {
		shared[k] = v
	}
	if _, ok := shared["todo_list"]; !ok {
		shared["todo_list"] = []types.TodoItem{}
	}
	for _, key := range []string{"available_skills", "bound_skills", "active_skills", "skill_directories"} {
		if _, ok := shared[key]; ok {
			continue
		}
		if v, ok := task.Metadata[key]; ok {
			shared[key] = v
		}
	}
	return shared
}

func buildInitialMessages(task types.AgentTask, initial []types.Message, userMessage string) []types.Message {
	toAppend := task.UserPrompt
	if userMessage != "" {
		toAppend = userMessage
	}
	if len(initial) > 0 {
		prepared := make([]types.Message, len(initial))
		copy(prepared, initial)
		if prepared[0].Role != types.RoleSystem {
			prepared = append([]types.Message{{Role: types.RoleSystem, Content: task.SystemPrompt}}, prepared...)
		}
		if toAppend != "" {
			prepared = append(prepared, types.Message{Role: types.RoleUser, Content: toAppend})
		}
		return prepared
	}
	return []types.Message{
		{Role: types.RoleSystem, Content: task.SystemPrompt},
		{Role: types.RoleUser, Content: toAppend},
	}
}

// buildCycleExecutor returns the backend.CycleExecutor closure: one call per
// cycle, wiring the Cycle Runner, the Tool-Call Runner, and the sub-task
// runner.
func (rt *Runtime) buildCycleExecutor(
	task types.AgentTask,
	workspacePath string,
	workspaceBackend workspace.Backend,
	memoryManager *memory.Manager,
	beforeCycle BeforeCycleMessageProvider,
	interrupt cycle.InterruptionProvider,
	stream model.StreamCallback,
	log LogHandler,
	token *cancel.Token,
) backend.CycleExecutor {
	cycleRunner := &cycle.Runner{LLM: rt.LLM, Registry: rt.Registry, Hooks: rt.Hooks, Memory: memoryManager}
	toolCallRunner := &cycle.ToolCallRunner{Registry: rt.Registry, Hooks: rt.Hooks}
	multimodalOK := multimodalAllowed(task)

	// previousTotalTokens and recentToolCallIDs carry state across cycles
	// within this one run. Every Backend implementation calls this closure
	// sequentially (never concurrently), so mutating them here between calls
	// is safe. previousTotalTokens tracks the prior cycle's token usage (the
	// figure the memory manager's threshold check and tool-schema policy are
	// meant to react to); recentToolCallIDs is the set of tool-call IDs the
	// prior cycle issued, which protects those calls' messages from being
	// stripped as stale before their tool-role results ever arrive.
	previousTotalTokens := 0
	recentToolCallIDs := map[string]bool(nil)

	return func(ctx context.Context, cycleIndex int, messages []types.Message, shared map[string]any) (backend.CycleResult, error) {
		if beforeCycle != nil {
			if injected := beforeCycle(ctx, cycleIndex, messages, shared); len(injected) > 0 {
				messages = append(append([]types.Message(nil), messages...), injected...)
				emit(log, "cycle_injected_messages", map[string]any{"cycle": cycleIndex, "count": len(injected)})
			}
		}

		emit(log, "cycle_started", map[string]any{
			"cycle": cycleIndex, "max_cycles": task.MaxCycles, "message_count": len(messages),
		})

		result, err := cycleRunner.RunCycle(ctx, task, messages, cycleIndex, previousTotalTokens, recentToolCallIDs, shared, stream)
		if err != nil {
			emit(log, "cycle_failed", map[string]any{"cycle": cycleIndex, "error": err.Error()})
			return backend.CycleResult{}, err
		}
		messages = result.Messages

		previousTotalTokens = result.Record.TokenUsage.Effective()
		ids := make(map[string]bool, len(result.Record.ToolCalls))
		for _, call := range result.Record.ToolCalls {
			if call.ID != "" {
				ids[call.ID] = true
			}
		}
		recentToolCallIDs = ids

		emit(log, "cycle_llm_response", map[string]any{
			"cycle":           cycleIndex,
			"assistant_preview": rt.preview(result.Record.AssistantMessage.Content),
			"tool_call_count": len(result.Record.ToolCalls),
			"token_usage":     result.Record.TokenUsage,
		})

		if len(result.Record.ToolCalls) == 0 {
			return rt.handleNoToolCycle(task, cycleIndex, messages, shared, result.Record, log)
		}

		tc := &tools.Context{
			Workspace:        workspacePath,
			WorkspaceBackend: workspaceBackend,
			SharedState:      shared,
			CycleIndex:       cycleIndex,
			MultimodalOK:     multimodalOK,
			Cancel:           token,
		}
		if len(task.SubAgents) > 0 {
			tc.SubTaskRunner = rt.buildSubTaskRunner(task, workspacePath, workspaceBackend, shared, token, log)
		}
		if pm, ok := rt.Backend.(backend.ParallelMapper); ok {
			tc.ExecutionBackend = pm
		}

		toolOutcome, err := toolCallRunner.Run(ctx, task, tc, cycleIndex, result.Record.ToolCalls, shared, interrupt)
		if err != nil {
			emit(log, "cycle_failed", map[string]any{"cycle": cycleIndex, "error": err.Error()})
			return backend.CycleResult{}, err
		}
		messages = append(messages, toolOutcome.Messages...)
		record := result.Record
		record.ToolResults = toolOutcome.Results

		for i, res := range toolOutcome.Results {
			toolName := "unknown"
			if i < len(result.Record.ToolCalls) {
				toolName = result.Record.ToolCalls[i].Name
			}
			emit(log, "tool_result", map[string]any{
				"cycle": cycleIndex, "tool_name": toolName, "tool_call_id": res.ToolCallID,
				"status": res.StatusCode, "directive": res.Directive, "error_code": res.ErrorCode,
				"content_preview": rt.preview(res.Content),
			})
		}

		if len(toolOutcome.InterruptionMessages) > 0 {
			messages = append(messages, toolOutcome.InterruptionMessages...)
			emit(log, "run_steered", map[string]any{"cycle": cycleIndex, "steering_count": len(toolOutcome.InterruptionMessages)})
		}

		if toolOutcome.Directive != nil {
			return rt.handleDirective(messages, shared, record, cycleIndex, *toolOutcome.Directive, log)
		}

		return backend.CycleResult{Messages: messages, SharedState: shared, Record: record}, nil
	}
}

func (rt *Runtime) handleNoToolCycle(task types.AgentTask, cycleIndex int, messages []types.Message, shared map[string]any, record types.CycleRecord, log LogHandler) (backend.CycleResult, error) {
	switch task.NoToolPolicy {
	case types.NoToolFinish:
		emit(log, "run_completed", map[string]any{"cycle": cycleIndex, "final_answer": rt.preview(record.AssistantMessage.Content)})
		return backend.CycleResult{
			Messages: messages, SharedState: shared, Record: record,
			Terminal: &types.AgentResult{Status: types.StatusCompleted, FinalAnswer: record.AssistantMessage.Content},
		}, nil
	case types.NoToolWaitUser:
		reason := record.AssistantMessage.Content
		if reason == "" {
			reason = "No tool call and runtime is waiting for user."
		}
		emit(log, "run_wait_user", map[string]any{"cycle": cycleIndex, "wait_reason": rt.preview(reason)})
		return backend.CycleResult{
			Messages: messages, SharedState: shared, Record: record,
			Terminal: &types.AgentResult{Status: types.StatusWaitUser, WaitReason: reason},
		}, nil
	default:
		messages = append(messages, types.Message{Role: types.RoleUser, Content: continueHint})
		return backend.CycleResult{Messages: messages, SharedState: shared, Record: record}, nil
	}
}

const continueHint = "No tool call was produced. Continue the task and call `task_finish` when all todo items are done."

func (rt *Runtime) handleDirective(messages []types.Message, shared map[string]any, record types.CycleRecord, cycleIndex int, directive types.ToolExecutionResult, log LogHandler) (backend.CycleResult, error) {
	if directive.Directive == types.DirectiveWaitUser {
		reason := waitReason(directive)
		emit(log, "run_wait_user", map[string]any{"cycle": cycleIndex, "wait_reason": rt.preview(reason)})
		return backend.CycleResult{
			Messages: messages, SharedState: shared, Record: record,
			Terminal: &types.AgentResult{Status: types.StatusWaitUser, WaitReason: reason},
		}, nil
	}
	finalAnswer := extractFinalMessage(directive)
	emit(log, "run_completed", map[string]any{"cycle": cycleIndex, "final_answer": rt.preview(finalAnswer)})
	return backend.CycleResult{
		Messages: messages, SharedState: shared, Record: record,
		Terminal: &types.AgentResult{Status: types.StatusCompleted, FinalAnswer: finalAnswer},
	}, nil
}

func waitReason(result types.ToolExecutionResult) string {
	if result.Metadata != nil {
		if q, ok := result.Metadata["question"].(string); ok && q != "" {
			return q
		}
	}
	return result.Content
}

func extractFinalMessage(result types.ToolExecutionResult) string {
	if result.Metadata != nil {
		if final, ok := result.Metadata["final_message"].(string); ok && final != "" {
			return final
		}
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return result.Content
}

func multimodalAllowed(task types.AgentTask) bool {
	if v, ok := task.Metadata["native_multimodal"].(bool); ok {
		return v
	}
	return false
}

// emit calls log if it is non-nil; every internal call site routes through
// this instead of a bound method so a per-request LogHandler (see
// RunRequest.LogHandler) can be threaded through closures without races on
// the shared Runtime.
func emit(log LogHandler, event string, payload map[string]any) {
	if log == nil {
		return
	}
	log(event, payload)
}

// subTaskRunner implements tools.SubTaskRunner: it builds a
// nested AgentTask from a SubAgentConfig, constructs a fresh Runtime sharing
// the parent's registry and workspace, and runs it to completion with an
// independent shared_state and a child cancellation token.
type subTaskRunner struct {
	rt               *Runtime
	parentTask       types.AgentTask
	workspacePath    string
	workspaceBackend workspace.Backend
	parentShared     map[string]any
	parentToken      *cancel.Token
	log              LogHandler
}

// buildSubTaskRunner returns nil when the task declares no sub-agents.
func (rt *Runtime) buildSubTaskRunner(task types.AgentTask, workspacePath string, workspaceBackend workspace.Backend, shared map[string]any, token *cancel.Token, log LogHandler) tools.SubTaskRunner {
	if len(task.SubAgents) == 0 {
		return nil
	}
	return &subTaskRunner{
		rt:               rt,
		parentTask:       task,
		workspacePath:    workspacePath,
		workspaceBackend: workspaceBackend,
		parentShared:     shared,
		parentToken:      token,
		log:              log,
	}
}

func (s *subTaskRunner) Run(ctx context.Context, req tools.SubTaskRequest) (tools.SubTaskOutcome, error) {
	subTaskID := fmt.Sprintf("%s_sub_%s_%s", s.parentTask.TaskID, req.AgentName, uuid.New().String()[:8])

	cfg, ok := s.parentTask.SubAgents[req.AgentName]
	if !ok {
		available := make([]string, 0, len(s.parentTask.SubAgents))
		for name := range s.parentTask.SubAgents {
			available = append(available, name)
		}
		sort.Strings(available)
		return tools.SubTaskOutcome{
			Status:     types.StatusFailed,
			Error:      fmt.Sprintf("unknown sub-agent %q; available: %s", req.AgentName, strings.Join(available, ", ")),
			BatchIndex: req.BatchIndex,
		}, nil
	}

	llmClient, resolvedModel, err := s.resolveClient(req.AgentName, cfg)
	if err != nil {
		return tools.SubTaskOutcome{Status: types.StatusFailed, Error: err.Error(), BatchIndex: req.BatchIndex}, nil
	}

	subTask := s.buildSubAgentTask(subTaskID, req.AgentName, cfg, resolvedModel, req)

	subRuntime := &Runtime{
		LLM:              llmClient,
		Registry:         s.rt.Registry,
		Hooks:            s.rt.Hooks,
		Backend:          backend.NewInline(),
		DefaultWorkspace: s.workspacePath,
		WorkspaceBackend: s.workspaceBackend,
		LogHandler:       s.buildSubAgentLogHandler(req.AgentName),
		LogPreviewChars:  s.rt.LogPreviewChars,
		Summarize:        s.rt.Summarize,
		ResolveSubAgent:  s.rt.ResolveSubAgent,
		SubAgentTimeout:  s.rt.SubAgentTimeout,
	}

	childToken := s.parentToken
	if childToken != nil {
		childToken = childToken.Child()
	}

	runCtx := ctx
	timeout := s.rt.SubAgentTimeout
	var cancelTimeout context.CancelFunc
	if timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	result, err := subRuntime.Run(runCtx, RunRequest{
		Task:        subTask,
		Workspace:   s.workspacePath,
		SharedState: types.NewSharedState(),
		Token:       childToken,
	})
	if err != nil {
		return tools.SubTaskOutcome{
			Status: types.StatusFailed, Error: err.Error(), BatchIndex: req.BatchIndex,
		}, nil
	}

	todoList := sharedTodoList(result.SharedState)
	return tools.SubTaskOutcome{
		Status:        result.Status,
		FinalAnswer:   result.FinalAnswer,
		WaitReason:    result.WaitReason,
		Error:         result.Error,
		Cycles:        len(result.Cycles),
		TodoList:      todoList,
		ResolvedModel: resolvedModel,
		BatchIndex:    req.BatchIndex,
	}, nil
}

// resolveClient picks the LLM client and effective model id for a sub-agent:
// the configured SubAgentClientResolver if the Runtime carries one,
// otherwise the parent's client reused as-is when the configured model
// matches the parent task's model, and an error otherwise.
func (s *subTaskRunner) resolveClient(agentName string, cfg types.SubAgentConfig) (model.Client, string, error) {
	if s.rt.ResolveSubAgent != nil {
		return s.rt.ResolveSubAgent(s.parentTask, agentName, cfg)
	}
	effectiveModel := cfg.Model
	if effectiveModel == "" || effectiveModel == s.parentTask.Model {
		if effectiveModel == "" {
			effectiveModel = s.parentTask.Model
		}
		return s.rt.LLM, effectiveModel, nil
	}
	return nil, "", fmt.Errorf("sub-agent %q model %q differs from parent model %q and no SubAgentClientResolver is configured", agentName, cfg.Model, s.parentTask.Model)
}

func (s *subTaskRunner) buildSubAgentTask(subTaskID, agentName string, cfg types.SubAgentConfig, resolvedModel string, req tools.SubTaskRequest) types.AgentTask {
	userPrompt := req.Task
	if req.OutputRequirements != "" {
		userPrompt = fmt.Sprintf("%s\n\n<Output Requirements>\n%s\n</Output Requirements>", userPrompt, req.OutputRequirements)
	}
	if req.IncludeMainSummary {
		if summary := s.buildParentSummary(); summary != "" {
			userPrompt = fmt.Sprintf("%s\n\n<Main Task Summary>\n%s\n</Main Task Summary>", userPrompt, summary)
		}
	}

	excluded := make(map[string]bool)
	for _, t := range s.parentTask.ExcludeTools {
		excluded[t] = true
	}
	for _, t := range cfg.ExcludeTools {
		excluded[t] = true
	}
	excluded["create_sub_task"] = true
	excluded["batch_sub_tasks"] = true
	excludeList := make([]string, 0, len(excluded))
	for t := range excluded {
		excludeList = append(excludeList, t)
	}
	sort.Strings(excludeList)

	metadata := map[string]any{
		"is_sub_task":     true,
		"parent_task_id":  s.parentTask.TaskID,
		"sub_agent_name":  agentName,
	}
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	maxCycles := cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 1
	}

	return types.AgentTask{
		TaskID:                 subTaskID,
		Model:                  resolvedModel,
		SystemPrompt:           cfg.SystemPrompt,
		UserPrompt:             userPrompt,
		MaxCycles:              maxCycles,
		MemoryCompactThreshold: s.parentTask.MemoryCompactThreshold,
		NoToolPolicy:           types.NoToolContinue,
		AllowInterruption:      false,
		SubAgents:              nil,
		ExcludeTools:           excludeList,
		ExtraToolNames:         append([]string(nil), s.parentTask.ExtraToolNames...),
		Metadata:               metadata,
	}
}

// buildParentSummary renders the parent's goal and current todo snapshot
// for the "<Main Task Summary>" block of a sub-task's prompt.
func (s *subTaskRunner) buildParentSummary() string {
	var b strings.Builder
	if s.parentTask.UserPrompt != "" {
		b.WriteString("Goal: ")
		b.WriteString(s.parentTask.UserPrompt)
	}
	todos := sharedTodoList(s.parentShared)
	if len(todos) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Todo list:\n")
		for _, item := range todos {
			fmt.Fprintf(&b, "- [%s] %s\n", item.Status, item.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *subTaskRunner) buildSubAgentLogHandler(agentName string) LogHandler {
	if s.log == nil {
		return nil
	}
	parent := s.log
	return func(event string, payload map[string]any) {
		enriched := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			enriched[k] = v
		}
		enriched["sub_agent_name"] = agentName
		parent("sub_agent_"+event, enriched)
	}
}

func sharedTodoList(shared map[string]any) []types.TodoItem {
	raw, ok := shared["todo_list"]
	if !ok {
		return nil
	}
	if items, ok := raw.([]types.TodoItem); ok {
		return items
	}
	return nil
}

func (rt *Runtime) preview(text string) string {
	limit := rt.LogPreviewChars
	if limit <= 0 {
		limit = 220
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if len(cleaned) <= limit {
		return cleaned
	}
	if limit <= 3 {
		return cleaned[:limit]
	}
	return cleaned[:limit-3] + "..."
}
