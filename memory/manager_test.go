package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/agentrt/types"
	"github.com/loopkit/agentrt/workspace"
)

func testTask() types.AgentTask {
	return types.AgentTask{TaskID: "t1", MaxCycles: 20}
}

func TestCompactIsNoopUnderThreshold(t *testing.T) {
	m := New(testTask(), nil, nil)
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "you are an agent"},
		{Role: types.RoleUser, Content: "do the thing"},
		{Role: types.RoleAssistant, Content: "ok"},
	}
	out, changed := m.Compact(context.Background(), messages, 10, nil, 0)
	assert.False(t, changed)
	assert.Equal(t, messages, out)
}

func TestCompactSanitizesEmptyAssistantMessages(t *testing.T) {
	m := New(testTask(), nil, nil)
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: ""},
		{Role: types.RoleAssistant, Content: "hello"},
	}
	out, changed := m.Compact(context.Background(), messages, 999999, nil, 0)
	require.True(t, changed)
	for _, msg := range out {
		assert.False(t, msg.IsEmptyAssistant())
	}
}

func TestCompactDropsStaleSummaries(t *testing.T) {
	m := New(testTask(), nil, nil)
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleSystem, Name: summaryName, Content: "old summary"},
		{Role: types.RoleAssistant, Content: "hello"},
	}
	out, _ := m.Compact(context.Background(), messages, 999999, nil, 0)
	for _, msg := range out {
		assert.False(t, msg.Role == types.RoleSystem && msg.Name == summaryName)
	}
}

func TestCompactStripsStaleToolCallsBeyondKeepLast(t *testing.T) {
	opts := Options{CompactThresholdTokens: 1, ToolCallsKeepLast: 1, KeepRecentMessages: 20,
		ToolResultCompactThreshold: 1 << 20, ToolResultKeepLast: 20, ToolResultExcerptHead: 50, ToolResultExcerptTail: 50,
		AssistantNoToolKeepLast: 5}
	m := &Manager{opts: opts}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "a", Name: "t1"}}},
		{Role: types.RoleTool, ToolCallID: "a", Content: "result a"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "b", Name: "t2"}}},
		{Role: types.RoleTool, ToolCallID: "b", Content: "result b"},
	}
	out, changed := m.Compact(context.Background(), messages, 999999, nil, 0)
	require.True(t, changed)

	toolCallMessages := 0
	for _, msg := range out {
		if msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0 {
			toolCallMessages++
		}
	}
	assert.Equal(t, 1, toolCallMessages)

	for _, msg := range out {
		if msg.Role == types.RoleTool {
			assert.Equal(t, "b", msg.ToolCallID)
		}
	}
}

func TestCompactCollapsesAssistantRuns(t *testing.T) {
	opts := Options{CompactThresholdTokens: 1, ToolCallsKeepLast: 5, KeepRecentMessages: 20,
		ToolResultCompactThreshold: 1 << 20, ToolResultKeepLast: 20, ToolResultExcerptHead: 50, ToolResultExcerptTail: 50,
		AssistantNoToolKeepLast: 1}
	m := &Manager{opts: opts}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "thinking 1"},
		{Role: types.RoleAssistant, Content: "thinking 2"},
		{Role: types.RoleAssistant, Content: "thinking 3"},
	}
	out, _ := m.Compact(context.Background(), messages, 999999, nil, 0)

	assistantCount := 0
	for _, msg := range out {
		if msg.Role == types.RoleAssistant {
			assistantCount++
		}
	}
	assert.Equal(t, 1, assistantCount)
	assert.Equal(t, "thinking 3", out[len(out)-1].Content)
}

func TestCompactPersistsOversizedToolResult(t *testing.T) {
	ws := newFakeWorkspace()
	opts := Options{CompactThresholdTokens: 1, ToolCallsKeepLast: 5, KeepRecentMessages: 20,
		ToolResultCompactThreshold: 20, ToolResultKeepLast: 0, ToolResultExcerptHead: 5, ToolResultExcerptTail: 5,
		AssistantNoToolKeepLast: 5, ToolResultArtifactDir: ".memory/tool_results", Workspace: ws}
	m := &Manager{opts: opts}

	big := strings.Repeat("x", 500)
	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "a", Name: "t1"}}},
		{Role: types.RoleTool, ToolCallID: "a", Content: big},
	}
	out, _ := m.Compact(context.Background(), messages, 999999, nil, 3)

	var toolMsg types.Message
	for _, msg := range out {
		if msg.Role == types.RoleTool {
			toolMsg = msg
		}
	}
	assert.Contains(t, toolMsg.Content, compactMarker)
	assert.Contains(t, toolMsg.Content, "artifact_path=")
	assert.Less(t, len(toolMsg.Content), len(big))
	assert.NotEmpty(t, ws.written)
}

func TestCompactSummarizesWhenStillOverBudget(t *testing.T) {
	opts := Options{CompactThresholdTokens: 10, ToolCallsKeepLast: 5, KeepRecentMessages: 2,
		ToolResultCompactThreshold: 1 << 20, ToolResultKeepLast: 20, ToolResultExcerptHead: 50, ToolResultExcerptTail: 50,
		AssistantNoToolKeepLast: 5}
	m := &Manager{opts: opts}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
	}
	for i := 0; i < 20; i++ {
		messages = append(messages,
			types.Message{Role: types.RoleAssistant, Content: strings.Repeat("a", 50)},
			types.Message{Role: types.RoleUser, Content: strings.Repeat("b", 50)},
		)
	}
	out, changed := m.Compact(context.Background(), messages, 999999, nil, 0)
	require.True(t, changed)

	foundSummary := false
	for _, msg := range out {
		if msg.Role == types.RoleSystem && msg.Name == summaryName {
			foundSummary = true
		}
	}
	assert.True(t, foundSummary)
	assert.Less(t, len(out), len(messages))
}

func TestCompactKeepsSummaryOnNextCallUnderBudget(t *testing.T) {
	opts := Options{CompactThresholdTokens: 10, ToolCallsKeepLast: 5, KeepRecentMessages: 2,
		ToolResultCompactThreshold: 1 << 20, ToolResultKeepLast: 20, ToolResultExcerptHead: 50, ToolResultExcerptTail: 50,
		AssistantNoToolKeepLast: 5,
		Summarize: func(_ context.Context, _ string) (string, error) {
			return `{"summary":"earlier work"}`, nil
		}}
	m := &Manager{opts: opts}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
	}
	for i := 0; i < 20; i++ {
		messages = append(messages,
			types.Message{Role: types.RoleAssistant, Content: strings.Repeat("a", 50)},
			types.Message{Role: types.RoleUser, Content: strings.Repeat("b", 50)},
		)
	}

	summarized, changed := m.Compact(context.Background(), messages, 999999, nil, 0)
	require.True(t, changed)
	require.Equal(t, 1, countSummaries(summarized))

	// The next cycle reports usage for the now-smaller prompt, back under
	// budget. The summary must ride along untouched instead of being
	// dropped as stale.
	out, changed := m.Compact(context.Background(), summarized, 5, nil, 1)
	assert.False(t, changed)
	assert.Equal(t, summarized, out)
	assert.Equal(t, 1, countSummaries(out))
}

func countSummaries(messages []types.Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == types.RoleSystem && msg.Name == summaryName {
			n++
		}
	}
	return n
}

func TestCompactIsIdempotent(t *testing.T) {
	opts := Options{CompactThresholdTokens: 10, ToolCallsKeepLast: 2, KeepRecentMessages: 4,
		ToolResultCompactThreshold: 20, ToolResultKeepLast: 1, ToolResultExcerptHead: 10, ToolResultExcerptTail: 10,
		AssistantNoToolKeepLast: 1, ToolResultArtifactDir: ".memory/tool_results", Workspace: newFakeWorkspace()}
	m := &Manager{opts: opts}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "hi"},
	}
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		messages = append(messages,
			types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: id, Name: "t"}}},
			types.Message{Role: types.RoleTool, ToolCallID: id, Content: strings.Repeat("z", 200)},
		)
	}

	first, _ := m.Compact(context.Background(), messages, 999999, nil, 0)
	second, changed := m.Compact(context.Background(), first, 999999, nil, 0)
	assert.False(t, changed)
	assert.Equal(t, first, second)
}

type fakeWorkspace struct {
	written map[string]string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{written: map[string]string{}}
}

func (f *fakeWorkspace) ListFiles(_ context.Context, base, glob string) ([]string, error) {
	return nil, nil
}
func (f *fakeWorkspace) ReadText(_ context.Context, path string) (string, error) {
	return f.written[path], nil
}
func (f *fakeWorkspace) ReadBytes(_ context.Context, path string) ([]byte, error) {
	return []byte(f.written[path]), nil
}
func (f *fakeWorkspace) WriteText(_ context.Context, path, content string, appendMode bool) error {
	if appendMode {
		f.written[path] += content
	} else {
		f.written[path] = content
	}
	return nil
}
func (f *fakeWorkspace) FileInfo(_ context.Context, path string) (*workspace.FileInfo, error) {
	return nil, nil
}
func (f *fakeWorkspace) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.written[path]
	return ok, nil
}
func (f *fakeWorkspace) IsFile(_ context.Context, path string) (bool, error) { return true, nil }
func (f *fakeWorkspace) Mkdir(_ context.Context, path string) error          { return nil }
