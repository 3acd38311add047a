package tools

import "github.com/loopkit/agentrt/types"

// memoryHintThreshold is the memory_usage_percentage at or above which
// PlanSchemas injects the synthetic memory_hint schema.
const memoryHintThreshold = 90

var memoryHintSchema = map[string]any{
	"name":        "memory_hint",
	"description": "Context usage is high; summarize or drop stale intermediate results before continuing.",
	"input_schema": objectSchema(map[string]any{
		"reason": map[string]any{"type": "string"},
	}),
}

// PlanSchemas resolves the tool-schema list for one cycle: extra tool names
// union the default workspace tools, minus excluded tools, always augmented
// with the directive tools (task_finish, ask_user), and — when
// memoryUsagePercentage is at or above the threshold — a synthetic
// memory_hint schema so the model can observe compaction pressure.
func PlanSchemas(registry *Registry, task types.AgentTask, memoryUsagePercentage int) []map[string]any {
	excluded := toSet(task.ExcludeTools)
	names := make([]Ident, 0)
	seen := map[Ident]bool{}
	add := func(n Ident) {
		if excluded[string(n)] || seen[n] {
			return
		}
		seen[n] = true
		names = append(names, n)
	}
	for _, n := range []Ident{"task_finish", "ask_user"} {
		seen[n] = true
		names = append(names, n)
	}
	for _, n := range defaultWorkspaceTools {
		add(n)
	}
	for _, n := range task.ExtraToolNames {
		add(Ident(n))
	}
	if len(task.SubAgents) > 0 {
		add("create_sub_task")
		add("batch_sub_tasks")
	}
	schemas := registry.Schemas(names)
	if memoryUsagePercentage >= memoryHintThreshold {
		schemas = append(schemas, memoryHintSchema)
	}
	return schemas
}

var defaultWorkspaceTools = []Ident{
	"todo_read", "todo_write",
	"list_files", "read_file", "write_file", "file_str_replace", "workspace_grep", "read_image",
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}
