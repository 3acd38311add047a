package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopkit/agentrt/types"
)

func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("task_finish", taskFinishSchema, taskFinish))
	must(r.Register("ask_user", askUserSchema, askUser))
	must(r.Register("todo_read", describe(objectSchema(nil), "Read the current todo list."), todoRead))
	must(r.Register("todo_write", todoWriteSchema, todoWrite))
	must(r.Register("list_files", listFilesSchema, listFiles))
	must(r.Register("read_file", describe(pathSchema("path"), "Read a text file from the workspace."), readFile))
	must(r.Register("write_file", writeFileSchema, writeFile))
	must(r.Register("file_str_replace", strReplaceSchema, fileStrReplace))
	must(r.Register("workspace_grep", grepSchema, workspaceGrep))
	must(r.Register("read_image", describe(pathSchema("path"), "Load an image file from the workspace for the model to view."), readImage))
	must(r.Register("create_sub_task", createSubTaskSchema, createSubTask))
	must(r.Register("batch_sub_tasks", batchSubTasksSchema, batchSubTasks))
}

func describe(s map[string]any, desc string) map[string]any {
	s["description"] = desc
	return s
}

func objectSchema(props map[string]any) map[string]any {
	s := map[string]any{"type": "object"}
	if props != nil {
		s["properties"] = props
	}
	return s
}

func pathSchema(field string) map[string]any {
	return objectSchema(map[string]any{field: map[string]any{"type": "string"}})
}

func okResult(callID string, payload map[string]any) types.ToolExecutionResult {
	content, _ := json.Marshal(payload)
	return types.ToolExecutionResult{
		ToolCallID: callID,
		Status:     "ok",
		StatusCode: types.StatusOK,
		Directive:  types.DirectiveContinue,
		Content:    string(content),
	}
}

func errResult(callID, code, message string) types.ToolExecutionResult {
	content, _ := json.Marshal(map[string]any{"ok": false, "error": message, "error_code": code})
	return types.ToolExecutionResult{
		ToolCallID: callID,
		Status:     "error",
		StatusCode: types.StatusError,
		ErrorCode:  code,
		Directive:  types.DirectiveContinue,
		Content:    string(content),
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBoolDefault(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// --- task_finish ---

var taskFinishSchema = describe(objectSchema(map[string]any{
	"message":                        map[string]any{"type": "string"},
	"require_all_todos_completed":    map[string]any{"type": "boolean"},
}), "Finish the task and report the final message. Fails while any todo item is not completed unless require_all_todos_completed is false.")

func taskFinish(_ context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	message := argString(call.Arguments, "message")
	requireAll := argBoolDefault(call.Arguments, "require_all_todos_completed", true)
	if requireAll {
		todos := readTodoList(tc.SharedState)
		var unfinished []string
		for _, t := range todos {
			if t.Status != types.TodoCompleted {
				unfinished = append(unfinished, t.Title)
			}
		}
		if len(unfinished) > 0 {
			content, _ := json.Marshal(map[string]any{
				"ok":         false,
				"error":      "not all todos are completed",
				"error_code": "todo_incomplete",
				"unfinished": unfinished,
			})
			return types.ToolExecutionResult{
				ToolCallID: call.ID,
				Status:     "error",
				StatusCode: types.StatusError,
				ErrorCode:  "todo_incomplete",
				Directive:  types.DirectiveContinue,
				Content:    string(content),
			}, nil
		}
	}
	result := okResult(call.ID, map[string]any{"ok": true, "message": message})
	result.Directive = types.DirectiveFinish
	result.Metadata = map[string]any{"final_message": message}
	return result, nil
}

// --- ask_user ---

var askUserSchema = describe(objectSchema(map[string]any{
	"question":            map[string]any{"type": "string"},
	"options":             map[string]any{"type": "array"},
	"selection_type":      map[string]any{"type": "string", "enum": []any{"single", "multi"}},
	"allow_custom_options": map[string]any{"type": "boolean"},
}), "Pause the run and ask the user a question, optionally with selectable options.")

func askUser(_ context.Context, _ *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	question := argString(call.Arguments, "question")
	result := okResult(call.ID, map[string]any{"ok": true, "question": question})
	result.Directive = types.DirectiveWaitUser
	result.Metadata = map[string]any{"question": question}
	return result, nil
}

// --- todo_read / todo_write ---

func readTodoList(shared map[string]any) []types.TodoItem {
	v, ok := shared["todo_list"]
	if !ok {
		return nil
	}
	items, ok := v.([]types.TodoItem)
	if !ok {
		return nil
	}
	return items
}

func todoRead(_ context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	todos := readTodoList(tc.SharedState)
	return okResult(call.ID, map[string]any{"ok": true, "todo_list": todos}), nil
}

var todoWriteSchema = describe(objectSchema(map[string]any{
	"todos": map[string]any{"type": "array"},
}), "Replace the todo list. At most one item may be in_progress.")

func todoWrite(_ context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	raw, _ := call.Arguments["todos"].([]any)
	now := time.Now().UTC()
	existing := readTodoList(tc.SharedState)
	byTitle := make(map[string]types.TodoItem, len(existing))
	for _, t := range existing {
		byTitle[t.Title] = t
	}
	inProgress := 0
	items := make([]types.TodoItem, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		title := argString(m, "title")
		status := types.TodoStatus(argString(m, "status"))
		if status == "" {
			status = types.TodoPending
		}
		if status == types.TodoInProgress {
			inProgress++
		}
		item := types.TodoItem{
			ID:        argString(m, "id"),
			Title:     title,
			Status:    status,
			Priority:  argString(m, "priority"),
			UpdatedAt: now,
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if prior, ok := byTitle[title]; ok {
			item.CreatedAt = prior.CreatedAt
		} else {
			item.CreatedAt = now
		}
		items = append(items, item)
	}
	if inProgress > 1 {
		return errResult(call.ID, "todo_multiple_in_progress", "at most one todo may be in_progress"), nil
	}
	tc.SharedState["todo_list"] = items
	return okResult(call.ID, map[string]any{"ok": true, "todo_list": items}), nil
}

// --- list_files / read_file / write_file / file_str_replace / workspace_grep / read_image ---

var listFilesSchema = describe(objectSchema(map[string]any{
	"base": map[string]any{"type": "string"},
	"glob": map[string]any{"type": "string"},
}), "List workspace files matching an optional glob.")

func listFiles(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	base := argString(call.Arguments, "base")
	glob := argString(call.Arguments, "glob")
	files, err := tc.WorkspaceBackend.ListFiles(ctx, base, glob)
	if err != nil {
		return errResult(call.ID, "list_files_failed", err.Error()), nil
	}
	return okResult(call.ID, map[string]any{"ok": true, "files": files}), nil
}

func readFile(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	path := argString(call.Arguments, "path")
	text, err := tc.WorkspaceBackend.ReadText(ctx, path)
	if err != nil {
		return errResult(call.ID, "read_file_failed", err.Error()), nil
	}
	return okResult(call.ID, map[string]any{"ok": true, "content": text}), nil
}

var writeFileSchema = describe(objectSchema(map[string]any{
	"path":    map[string]any{"type": "string"},
	"content": map[string]any{"type": "string"},
	"append":  map[string]any{"type": "boolean"},
}), "Write (or append) text content to a workspace file.")

func writeFile(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	path := argString(call.Arguments, "path")
	content := argString(call.Arguments, "content")
	appendMode := argBoolDefault(call.Arguments, "append", false)
	if err := tc.WorkspaceBackend.WriteText(ctx, path, content, appendMode); err != nil {
		return errResult(call.ID, "write_file_failed", err.Error()), nil
	}
	return okResult(call.ID, map[string]any{"ok": true, "path": path}), nil
}

var strReplaceSchema = describe(objectSchema(map[string]any{
	"path":    map[string]any{"type": "string"},
	"old_str": map[string]any{"type": "string"},
	"new_str": map[string]any{"type": "string"},
}), "Replace one unique occurrence of old_str with new_str in a workspace file.")

func fileStrReplace(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	path := argString(call.Arguments, "path")
	oldStr := argString(call.Arguments, "old_str")
	newStr := argString(call.Arguments, "new_str")
	text, err := tc.WorkspaceBackend.ReadText(ctx, path)
	if err != nil {
		return errResult(call.ID, "read_file_failed", err.Error()), nil
	}
	count := strings.Count(text, oldStr)
	if count == 0 {
		return errResult(call.ID, "str_not_found", "old_str not found in file"), nil
	}
	if count > 1 {
		return errResult(call.ID, "str_not_unique", "old_str is not unique in file"), nil
	}
	updated := strings.Replace(text, oldStr, newStr, 1)
	if err := tc.WorkspaceBackend.WriteText(ctx, path, updated, false); err != nil {
		return errResult(call.ID, "write_file_failed", err.Error()), nil
	}
	return okResult(call.ID, map[string]any{"ok": true, "path": path}), nil
}

var grepSchema = describe(objectSchema(map[string]any{
	"pattern": map[string]any{"type": "string"},
	"base":    map[string]any{"type": "string"},
	"glob":    map[string]any{"type": "string"},
}), "Search workspace files for lines containing a pattern.")

func workspaceGrep(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	pattern := argString(call.Arguments, "pattern")
	base := argString(call.Arguments, "base")
	glob := argString(call.Arguments, "glob")
	files, err := tc.WorkspaceBackend.ListFiles(ctx, base, glob)
	if err != nil {
		return errResult(call.ID, "grep_failed", err.Error()), nil
	}
	type match struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	for _, f := range files {
		text, err := tc.WorkspaceBackend.ReadText(ctx, f)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(text, "\n") {
			if strings.Contains(line, pattern) {
				matches = append(matches, match{Path: f, Line: i + 1, Text: line})
			}
		}
	}
	return okResult(call.ID, map[string]any{"ok": true, "matches": matches}), nil
}

func readImage(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.WorkspaceBackend == nil {
		return errResult(call.ID, "workspace_unavailable", "no workspace backend configured"), nil
	}
	path := argString(call.Arguments, "path")
	ok, err := tc.WorkspaceBackend.Exists(ctx, path)
	if err != nil {
		return errResult(call.ID, "read_image_failed", err.Error()), nil
	}
	if !ok {
		return errResult(call.ID, "image_not_found", fmt.Sprintf("image %q not found", path)), nil
	}
	result := okResult(call.ID, map[string]any{"ok": true, "path": path})
	result.ImagePath = path
	return result, nil
}

// --- create_sub_task / batch_sub_tasks ---

var createSubTaskSchema = describe(objectSchema(map[string]any{
	"agent_name":           map[string]any{"type": "string"},
	"task":                 map[string]any{"type": "string"},
	"output_requirements":  map[string]any{"type": "string"},
	"include_main_summary": map[string]any{"type": "boolean"},
}), "Delegate a task to a named sub-agent and wait for its result.")

func createSubTask(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.SubTaskRunner == nil {
		return errResult(call.ID, "sub_agents_not_enabled", "this task does not enable sub-agents"), nil
	}
	agentName := argString(call.Arguments, "agent_name")
	if agentName == "" {
		return errResult(call.ID, "agent_name_required", "agent_name is required"), nil
	}
	taskDesc := argString(call.Arguments, "task")
	if taskDesc == "" {
		return errResult(call.ID, "task_description_required", "task is required"), nil
	}
	includeSummary := true
	if v, ok := call.Arguments["include_main_summary"].(bool); ok {
		includeSummary = v
	}
	outcome, err := tc.SubTaskRunner.Run(ctx, SubTaskRequest{
		AgentName:          agentName,
		Task:               taskDesc,
		OutputRequirements: argString(call.Arguments, "output_requirements"),
		IncludeMainSummary: includeSummary,
	})
	if err != nil {
		return errResult(call.ID, "sub_task_failed", err.Error()), nil
	}
	return subTaskOutcomeResult(call.ID, outcome), nil
}

func subTaskOutcomeResult(callID string, outcome SubTaskOutcome) types.ToolExecutionResult {
	switch outcome.Status {
	case types.StatusCompleted:
		return okResult(callID, map[string]any{
			"ok": true, "status": outcome.Status, "final_answer": outcome.FinalAnswer,
			"cycles": outcome.Cycles, "todo_list": outcome.TodoList, "model": outcome.ResolvedModel,
		})
	case types.StatusWaitUser:
		return errResult(callID, "sub_task_wait_user", outcome.WaitReason)
	default:
		msg := outcome.Error
		if msg == "" {
			msg = "sub-task failed"
		}
		return errResult(callID, "sub_task_failed", msg)
	}
}

var batchSubTasksSchema = describe(objectSchema(map[string]any{
	"agent_name": map[string]any{"type": "string"},
	"tasks":      map[string]any{"type": "array"},
}), "Delegate a batch of tasks to one sub-agent, run concurrently when the backend allows.")

func batchSubTasks(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error) {
	if tc.SubTaskRunner == nil {
		return errResult(call.ID, "sub_agents_not_enabled", "this task does not enable sub-agents"), nil
	}
	agentName := argString(call.Arguments, "agent_name")
	if agentName == "" {
		return errResult(call.ID, "agent_name_required", "agent_name is required"), nil
	}
	rawTasks, _ := call.Arguments["tasks"].([]any)
	if len(rawTasks) == 0 {
		return errResult(call.ID, "task_description_required", "tasks must contain at least one item"), nil
	}
	descs := make([]string, len(rawTasks))
	for i, r := range rawTasks {
		s, _ := r.(string)
		if s == "" {
			return errResult(call.ID, "task_description_required", "every task must be a non-empty string"), nil
		}
		descs[i] = s
	}

	results := make([]SubTaskOutcome, len(descs))
	runOne := func(ctx context.Context, i int) (any, error) {
		outcome, err := tc.SubTaskRunner.Run(ctx, SubTaskRequest{AgentName: agentName, Task: descs[i], BatchIndex: i, IncludeMainSummary: true})
		if err != nil {
			outcome = SubTaskOutcome{Status: types.StatusFailed, Error: err.Error(), BatchIndex: i}
		}
		return outcome, nil
	}

	if tc.ExecutionBackend != nil {
		raw, err := tc.ExecutionBackend.ParallelMap(ctx, len(descs), runOne)
		if err != nil {
			return errResult(call.ID, "sub_task_failed", err.Error()), nil
		}
		for i, r := range raw {
			if outcome, ok := r.(SubTaskOutcome); ok {
				results[i] = outcome
			}
		}
	} else {
		for i := range descs {
			r, _ := runOne(ctx, i)
			results[i] = r.(SubTaskOutcome)
		}
	}

	completed, failed := 0, 0
	items := make([]map[string]any, len(results))
	for i, r := range results {
		if r.Status == types.StatusCompleted {
			completed++
		} else {
			failed++
		}
		items[i] = map[string]any{
			"batch_index":  i,
			"status":       r.Status,
			"final_answer": r.FinalAnswer,
			"error":        r.Error,
		}
	}
	return okResult(call.ID, map[string]any{
		"ok": true,
		"summary": map[string]any{
			"total":     len(results),
			"completed": completed,
			"failed":    failed,
		},
		"results": items,
	}), nil
}
