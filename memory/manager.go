// Package memory implements the bounded-context maintainer: a
// pure function over a message list and token count that applies seven
// ordered, idempotent rewrites and, if the result is still over budget,
// summarizes the middle of the history into a single system message.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/loopkit/agentrt/config"
	"github.com/loopkit/agentrt/types"
	"github.com/loopkit/agentrt/workspace"
)

const (
	summaryName  = "memory_summary"
	compactMarker = "<Tool Result Compact>"
)

// SummaryCallback generates the replacement summary text for the messages
// being compacted away. It is typically implemented by calling the LLM
// client again with a summarization prompt.
type SummaryCallback func(ctx context.Context, prompt string) (string, error)

// Options configures one Manager. Zero-valued fields fall back to the
// documented defaults.
type Options struct {
	CompactThresholdTokens    int
	KeepRecentMessages        int
	ToolResultCompactThreshold int
	ToolResultKeepLast        int
	ToolResultExcerptHead     int
	ToolResultExcerptTail     int
	ToolCallsKeepLast         int
	AssistantNoToolKeepLast   int
	ToolResultArtifactDir     string
	Workspace                 workspace.Backend
	Summarize                 SummaryCallback
}

// Manager applies the memory-compaction algorithm to a run's message
// history.
type Manager struct {
	opts Options
}

// New returns a Manager reading thresholds from task metadata, falling back
// to the documented defaults for any missing or invalid value.
func New(task types.AgentTask, ws workspace.Backend, summarize SummaryCallback) *Manager {
	meta := task.Metadata
	return &Manager{opts: Options{
		CompactThresholdTokens:     orDefault(task.MemoryCompactThreshold, config.Int(meta, "memory_compact_threshold", 6000, 1, 0)),
		KeepRecentMessages:         config.Int(meta, "keep_recent_messages", 10, 0, 0),
		ToolResultCompactThreshold: config.Int(meta, "tool_result_compact_threshold", 2000, 1, 0),
		ToolResultKeepLast:         config.Int(meta, "tool_result_keep_last", 3, 0, 0),
		ToolResultExcerptHead:      config.Int(meta, "tool_result_excerpt_head", 200, 0, 0),
		ToolResultExcerptTail:      config.Int(meta, "tool_result_excerpt_tail", 200, 0, 0),
		ToolCallsKeepLast:          config.Int(meta, "tool_calls_keep_last", 3, 0, 0),
		AssistantNoToolKeepLast:    config.Int(meta, "assistant_no_tool_keep_last", 1, 0, 0),
		ToolResultArtifactDir:      config.String(meta, "tool_result_artifact_dir", ".memory/tool_results"),
		Workspace:                  ws,
		Summarize:                 summarize,
	}}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// UsagePercentage returns totalTokens as a percentage of the compact
// threshold, the memory_usage_percentage the tool-schema planner reads to
// decide whether to inject the synthetic memory_hint schema.
func (m *Manager) UsagePercentage(totalTokens int) int {
	if m.opts.CompactThresholdTokens <= 0 {
		return 0
	}
	return totalTokens * 100 / m.opts.CompactThresholdTokens
}

// Compact is the pure entry point: given the current messages and an
// estimate of total tokens consumed so far, it returns a possibly rewritten
// message list and whether any rewrite actually changed it. A history that
// is under budget and legally paired is returned untouched — in particular
// a memory_summary inserted by an earlier call survives until token
// pressure rises again and a fresh summary replaces it.
func (m *Manager) Compact(ctx context.Context, messages []types.Message, totalTokens int, recentToolCallIDs map[string]bool, cycleIndex int) ([]types.Message, bool) {
	if len(messages) == 0 {
		return messages, false
	}
	if totalTokens <= m.opts.CompactThresholdTokens && legal(messages) {
		return messages, false
	}
	original := messages

	messages = dropStaleSummaries(messages)
	messages = sanitizeEmptyAssistant(messages)
	messages = m.stripStaleToolCalls(messages, recentToolCallIDs)
	messages = normalizeOrphanToolMessages(messages)
	messages = m.collapseAssistantRuns(messages)
	messages = compactProcessedImages(messages)
	messages = m.persistOversizedToolResults(ctx, messages, cycleIndex)

	if estimateTokens(messages) > m.opts.CompactThresholdTokens {
		messages = m.summarize(ctx, messages)
	}

	messages = sanitizeEmptyAssistant(messages)
	return messages, !sameMessages(original, messages)
}

// legal reports whether every tool-role message's ToolCallID references an
// earlier assistant tool call.
func legal(messages []types.Message) bool {
	seen := map[string]bool{}
	for _, msg := range messages {
		if msg.Role == types.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				seen[tc.ID] = true
			}
		}
		if msg.Role == types.RoleTool && !seen[msg.ToolCallID] {
			return false
		}
	}
	return true
}

func dropStaleSummaries(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == types.RoleSystem && msg.Name == summaryName {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func sanitizeEmptyAssistant(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.IsEmptyAssistant() {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// stripStaleToolCalls keeps only the last ToolCallsKeepLast
// assistant-with-tool-calls messages; older ones have ToolCalls cleared
// (dropped if then content-empty). A message is never stripped if any of its
// tool call IDs appear in recentToolCallIDs — those calls belong to the
// cycle immediately preceding this one and may still have a tool-role
// response pending; stripping them here would orphan that response before
// normalizeOrphanToolMessages even sees it as paired.
func (m *Manager) stripStaleToolCalls(messages []types.Message, recentToolCallIDs map[string]bool) []types.Message {
	total := 0
	for _, msg := range messages {
		if msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0 {
			total++
		}
	}
	keep := m.opts.ToolCallsKeepLast
	seen := 0
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0 {
			seen++
			if total-seen >= keep && !hasRecentToolCall(msg.ToolCalls, recentToolCallIDs) {
				msg.ToolCalls = nil
				if msg.IsEmptyAssistant() {
					continue
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func hasRecentToolCall(calls []types.ToolCall, recentToolCallIDs map[string]bool) bool {
	if len(recentToolCallIDs) == 0 {
		return false
	}
	for _, tc := range calls {
		if recentToolCallIDs[tc.ID] {
			return true
		}
	}
	return false
}

// normalizeOrphanToolMessages drops tool-role messages whose ToolCallID no
// longer references a surviving assistant tool call.
func normalizeOrphanToolMessages(messages []types.Message) []types.Message {
	allowed := map[string]bool{}
	for _, msg := range messages {
		if msg.Role == types.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				allowed[tc.ID] = true
			}
		}
	}
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == types.RoleTool && !allowed[msg.ToolCallID] {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// collapseAssistantRuns truncates consecutive assistant-without-tool-calls
// messages to the last AssistantNoToolKeepLast.
func (m *Manager) collapseAssistantRuns(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.Role != types.RoleAssistant || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
			i++
			continue
		}
		j := i
		var run []types.Message
		for j < len(messages) && messages[j].Role == types.RoleAssistant && len(messages[j].ToolCalls) == 0 {
			run = append(run, messages[j])
			j++
		}
		keep := m.opts.AssistantNoToolKeepLast
		if keep < 0 {
			keep = 0
		}
		if keep < len(run) {
			run = run[len(run)-keep:]
		}
		out = append(out, run...)
		i = j
	}
	return out
}

// compactProcessedImages strips ImageURL from any user message containing
// an image payload that is followed (later in the list) by an assistant
// message, annotating the content instead.
func compactProcessedImages(messages []types.Message) []types.Message {
	lastAssistantIndex := -1
	for i, msg := range messages {
		if msg.Role == types.RoleAssistant {
			lastAssistantIndex = i
		}
	}
	out := make([]types.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == types.RoleUser && out[i].ImageURL != "" && i < lastAssistantIndex {
			out[i].ImageURL = ""
			out[i].Content = strings.TrimSpace(out[i].Content + " [image payload compacted]")
		}
	}
	return out
}

// persistOversizedToolResults writes tool-role message content exceeding
// ToolResultCompactThreshold characters (except among the last
// ToolResultKeepLast tool results) to a workspace artifact and replaces it
// in place with a compact excerpt block.
func (m *Manager) persistOversizedToolResults(ctx context.Context, messages []types.Message, cycleIndex int) []types.Message {
	toolIndices := make([]int, 0)
	for i, msg := range messages {
		if msg.Role == types.RoleTool {
			toolIndices = append(toolIndices, i)
		}
	}
	keepFrom := len(toolIndices) - m.opts.ToolResultKeepLast
	out := make([]types.Message, len(messages))
	copy(out, messages)
	for pos, idx := range toolIndices {
		if pos >= keepFrom {
			continue
		}
		msg := out[idx]
		if len(msg.Content) <= m.opts.ToolResultCompactThreshold {
			continue
		}
		artifactPath := m.persistArtifact(ctx, msg, cycleIndex)
		out[idx].Content = m.excerptBlock(msg.Content, artifactPath)
	}
	return out
}

func (m *Manager) persistArtifact(ctx context.Context, msg types.Message, cycleIndex int) string {
	name := sanitizeToolCallID(msg.ToolCallID)
	artifactPath := path.Join(m.opts.ToolResultArtifactDir, fmt.Sprintf("cycle_%d", cycleIndex), name+".txt")
	if m.opts.Workspace != nil {
		_ = m.opts.Workspace.WriteText(ctx, artifactPath, msg.Content, false)
	}
	return artifactPath
}

func sanitizeToolCallID(id string) string {
	if id == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (m *Manager) excerptBlock(content, artifactPath string) string {
	head := m.opts.ToolResultExcerptHead
	tail := m.opts.ToolResultExcerptTail
	var headText, tailText string
	if head < len(content) {
		headText = content[:head]
	} else {
		headText = content
	}
	if tail < len(content) {
		tailText = content[len(content)-tail:]
	} else {
		tailText = content
	}
	return fmt.Sprintf(
		"%s\nartifact_path=%s\ntotal_chars=%d\ntruncated_chars=%d\nhead=%q\ntail=%q",
		compactMarker, artifactPath, len(content), len(content)-head-tail, headText, tailText,
	)
}

// summarize keeps the head (system + first user) and the last
// KeepRecentMessages messages, replacing the middle range with a single
// memory_summary system message. The keep-recent window is expanded
// backwards past leading tool messages until an assistant or user boundary,
// so a tool→tool_call pairing is never split.
func (m *Manager) summarize(ctx context.Context, messages []types.Message) []types.Message {
	if len(messages) <= 2+m.opts.KeepRecentMessages {
		return messages
	}
	headEnd := headLength(messages)
	keepStart := len(messages) - m.opts.KeepRecentMessages
	if keepStart < headEnd {
		keepStart = headEnd
	}
	for keepStart > headEnd && messages[keepStart].Role == types.RoleTool {
		keepStart--
	}

	middle := messages[headEnd:keepStart]
	if len(middle) == 0 {
		return messages
	}

	artifacts := collectArtifactPaths(middle)
	summaryText := m.renderSummary(ctx, middle, artifacts)

	out := make([]types.Message, 0, headEnd+1+(len(messages)-keepStart))
	out = append(out, messages[:headEnd]...)
	out = append(out, types.Message{Role: types.RoleSystem, Name: summaryName, Content: summaryText})
	out = append(out, messages[keepStart:]...)
	return out
}

func headLength(messages []types.Message) int {
	n := 0
	if len(messages) > 0 && messages[0].Role == types.RoleSystem {
		n++
	}
	if n < len(messages) && messages[n].Role == types.RoleUser {
		n++
	}
	return n
}

func collectArtifactPaths(messages []types.Message) []string {
	var paths []string
	for _, msg := range messages {
		if msg.Role == types.RoleTool && strings.Contains(msg.Content, "artifact_path=") {
			for _, line := range strings.Split(msg.Content, "\n") {
				if strings.HasPrefix(line, "artifact_path=") {
					paths = append(paths, strings.TrimPrefix(line, "artifact_path="))
				}
			}
		}
	}
	return paths
}

func (m *Manager) renderSummary(ctx context.Context, middle []types.Message, artifacts []string) string {
	var prompt strings.Builder
	for _, msg := range middle {
		prompt.WriteString(string(msg.Role))
		prompt.WriteString(": ")
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}
	body := prompt.String()
	if m.opts.Summarize != nil {
		if generated, err := m.opts.Summarize(ctx, body); err == nil {
			body = generated
		}
	}
	var artifactBlock strings.Builder
	artifactBlock.WriteString("<Persisted Artifacts>\n")
	for _, a := range artifacts {
		artifactBlock.WriteString("- ")
		artifactBlock.WriteString(a)
		artifactBlock.WriteString("\n")
	}
	artifactBlock.WriteString("</Persisted Artifacts>")
	return "<Compressed Agent Memory>\n" + body + "\n</Compressed Agent Memory>\n" + artifactBlock.String()
}

// estimateTokens is a conservative character-based proxy for the real
// tokenizer: roughly 4 characters per token, used where no tokenizer is
// wired in.
func estimateTokens(messages []types.Message) int {
	chars := 0
	for i, msg := range messages {
		if i < 2 {
			continue
		}
		chars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + 32
		}
	}
	if chars == 0 {
		return 0
	}
	return chars/4 + 1
}

func sameMessages(a, b []types.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Content != b[i].Content || a[i].Role != b[i].Role || a[i].ToolCallID != b[i].ToolCallID {
			return false
		}
	}
	return true
}
