// Package session implements the Session layer: a façade over
// runtime.Runtime that gives a single agent definition multi-turn
// continuity against a stable workspace, with steering and follow-up
// queues, an at-most-one-active-run guard, and event fan-out.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/runtime"
	"github.com/loopkit/agentrt/types"
)

// EventHandler receives one (event, payload) pair per session or engine log
// event, mirroring runtime.LogHandler's shape.
type EventHandler func(event string, payload map[string]any)

// Runner is the subset of *runtime.Runtime a Session drives. Matching it as
// an interface (rather than depending on the concrete type) keeps the
// session package testable against a stub runtime.
type Runner interface {
	Run(ctx context.Context, req runtime.RunRequest) (types.AgentResult, error)
}

// Session wraps a Runner for one agent definition (task template) and one
// workspace, adding steering/follow-up queues and subscriber events on top
// of the engine's single-shot Run.
type Session struct {
	runner    Runner
	task      types.AgentTask
	workspace string

	mu          sync.Mutex
	sessionID   string
	store       Store
	messages    []types.Message
	sharedState map[string]any
	running     bool
	latestRun   *types.AgentResult
	activeToken *cancel.Token
	steering    []string
	followUp    []string
	listeners   []EventHandler
}

// New returns a Session bound to runner, a task template, and a workspace.
// The task's SystemPrompt/UserPrompt act as defaults; Prompt supplies the
// per-turn user text.
func New(runner Runner, task types.AgentTask, workspace string) *Session {
	return &Session{
		runner:      runner,
		task:        task,
		workspace:   workspace,
		sharedState: types.NewSharedState(),
	}
}

// Persist attaches a snapshot store under sessionID and, if a snapshot for
// that id already exists, restores the session's messages and shared state
// from it. After every successful run the session writes an updated
// snapshot back. Refuses while a run is in flight.
func (s *Session) Persist(ctx context.Context, sessionID string, store Store) error {
	if sessionID == "" {
		return fmt.Errorf("session: session id cannot be empty")
	}
	if store == nil {
		return fmt.Errorf("session: store cannot be nil")
	}
	snap, err := store.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: load snapshot: %w", err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session: cannot attach store while a run is in flight")
	}
	s.sessionID = sessionID
	s.store = store
	if snap != nil {
		s.messages = append([]types.Message(nil), snap.Messages...)
		s.sharedState = make(map[string]any, len(snap.SharedState))
		for k, v := range snap.SharedState {
			s.sharedState[k] = v
		}
	}
	s.mu.Unlock()

	if snap != nil {
		s.emit("session_snapshot_loaded", map[string]any{"session_id": sessionID, "messages": len(snap.Messages)})
	}
	return nil
}

// Messages returns a snapshot of the session's current dialogue history.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

// SharedState returns a snapshot of the session's current shared state.
func (s *Session) SharedState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.sharedState))
	for k, v := range s.sharedState {
		out[k] = v
	}
	return out
}

// LatestRun returns the most recently completed AgentResult, or nil if no
// run has finished yet.
func (s *Session) LatestRun() *types.AgentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestRun
}

// Running reports whether a run is currently in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Subscribe registers listener for every session and engine event. The
// returned func removes it.
func (s *Session) Subscribe(listener EventHandler) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if fmt.Sprintf("%p", l) == fmt.Sprintf("%p", listener) {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Steer appends text to the steering queue and emits session_steer_queued.
// An empty (after trim) prompt is rejected.
func (s *Session) Steer(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("session: steer prompt cannot be empty")
	}
	s.mu.Lock()
	s.steering = append(s.steering, text)
	s.mu.Unlock()
	s.emit("session_steer_queued", map[string]any{"prompt": text})
	return nil
}

// FollowUp appends text to the follow-up queue and emits
// session_follow_up_queued. An empty (after trim) prompt is rejected.
func (s *Session) FollowUp(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("session: follow_up prompt cannot be empty")
	}
	s.mu.Lock()
	s.followUp = append(s.followUp, text)
	s.mu.Unlock()
	s.emit("session_follow_up_queued", map[string]any{"prompt": text})
	return nil
}

// ClearQueues drops every queued steering and follow-up prompt.
func (s *Session) ClearQueues() {
	s.mu.Lock()
	s.steering = nil
	s.followUp = nil
	s.mu.Unlock()
	s.emit("session_queues_cleared", nil)
}

// Cancel flips the active run's cancellation token, if one is in flight, and
// clears both queues. Reports whether a run was actually cancelled.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if !s.running || s.activeToken == nil {
		s.mu.Unlock()
		return false
	}
	token := s.activeToken
	s.steering = nil
	s.followUp = nil
	s.mu.Unlock()
	token.Cancel()
	s.emit("session_cancel_requested", nil)
	return true
}

// Prompt runs the session's agent once with text as the user prompt,
// draining steering/interruption queues as the run progresses, then — when
// autoFollowUp is true and the run completed — drains and runs any queued
// follow-up prompts until one doesn't complete or the queue empties.
func (s *Session) Prompt(ctx context.Context, text string, autoFollowUp bool) (types.AgentResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.AgentResult{}, fmt.Errorf("session: prompt cannot be empty")
	}

	result, err := s.runOnce(ctx, text)
	if err != nil {
		return result, err
	}
	if !autoFollowUp {
		return result, nil
	}

	for {
		if result.Status != types.StatusCompleted {
			break
		}
		next, ok := s.dequeueFollowUp()
		if !ok {
			break
		}
		result, err = s.runOnce(ctx, next)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// ContinueRun runs text if non-empty, otherwise drains the next queued
// steering-or-follow-up prompt (steering first) and runs that. It fails if
// text is empty and no prompt is queued.
func (s *Session) ContinueRun(ctx context.Context, text string) (types.AgentResult, error) {
	if strings.TrimSpace(text) != "" {
		return s.Prompt(ctx, text, false)
	}
	queued, ok := s.drainNextQueuedPrompt()
	if !ok {
		return types.AgentResult{}, fmt.Errorf("session: no queued prompt available; provide text or call Steer/FollowUp first")
	}
	return s.Prompt(ctx, queued, false)
}

// Query runs text once and returns the final answer. If the run did not
// complete and requireCompleted is true, it returns an error describing the
// terminal status; otherwise it returns whatever text (final answer, wait
// reason, or error) is available.
func (s *Session) Query(ctx context.Context, text string, requireCompleted bool) (string, error) {
	result, err := s.Prompt(ctx, text, true)
	if err != nil {
		return "", err
	}
	if result.Status == types.StatusCompleted {
		return result.FinalAnswer, nil
	}
	if requireCompleted {
		reason := result.Error
		if reason == "" {
			reason = result.WaitReason
		}
		if reason == "" {
			reason = result.FinalAnswer
		}
		if reason == "" {
			reason = "session query did not complete"
		}
		return "", fmt.Errorf("session: query failed with status=%s: %s", result.Status, reason)
	}
	if result.FinalAnswer != "" {
		return result.FinalAnswer, nil
	}
	if result.WaitReason != "" {
		return result.WaitReason, nil
	}
	return result.Error, nil
}

func (s *Session) runOnce(ctx context.Context, prompt string) (types.AgentResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return types.AgentResult{}, fmt.Errorf("session: already running; queue with Steer/FollowUp or wait for completion")
	}
	s.running = true
	token := cancel.New()
	s.activeToken = token
	initialMessages := append([]types.Message(nil), s.messages...)
	sharedState := make(map[string]any, len(s.sharedState))
	for k, v := range s.sharedState {
		sharedState[k] = v
	}
	s.mu.Unlock()

	s.emit("session_run_start", map[string]any{"prompt": prompt, "existing_messages": len(initialMessages)})

	result, runErr := s.runner.Run(ctx, runtime.RunRequest{
		Task:                 s.task,
		Workspace:            s.workspace,
		SharedState:          sharedState,
		InitialMessages:      initialMessages,
		UserMessage:          prompt,
		BeforeCycleMessages:  s.beforeCycleMessages,
		InterruptionMessages: s.interruptionMessages,
		Token:                token,
		LogHandler:           s.engineLogHandler,
	})

	s.mu.Lock()
	s.running = false
	s.activeToken = nil
	var store Store
	var sessionID string
	if runErr == nil {
		s.messages = append([]types.Message(nil), result.Messages...)
		s.sharedState = make(map[string]any, len(result.SharedState))
		for k, v := range result.SharedState {
			s.sharedState[k] = v
		}
		r := result
		s.latestRun = &r
		store = s.store
		sessionID = s.sessionID
	}
	s.mu.Unlock()

	if runErr != nil {
		return types.AgentResult{}, runErr
	}

	if store != nil {
		snap := Snapshot{
			SessionID:   sessionID,
			Messages:    append([]types.Message(nil), result.Messages...),
			SharedState: result.SharedState,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			s.emit("session_snapshot_error", map[string]any{"session_id": sessionID, "error": err.Error()})
		} else {
			s.emit("session_snapshot_saved", map[string]any{"session_id": sessionID, "messages": len(snap.Messages)})
		}
	}

	s.emit("session_run_end", map[string]any{
		"status":       string(result.Status),
		"cycles":       len(result.Cycles),
		"final_answer": result.FinalAnswer,
		"wait_reason":  result.WaitReason,
		"error":        result.Error,
	})
	return result, nil
}

// beforeCycleMessages drains one queued steering prompt per cycle,
// delivered as a user message before the next LLM call.
func (s *Session) beforeCycleMessages(_ context.Context, cycleIndex int, _ []types.Message, _ map[string]any) []types.Message {
	s.mu.Lock()
	if len(s.steering) == 0 {
		s.mu.Unlock()
		return nil
	}
	prompt := s.steering[0]
	s.steering = s.steering[1:]
	s.mu.Unlock()
	s.emit("session_steer_dequeued", map[string]any{"cycle": cycleIndex, "prompt": prompt})
	return []types.Message{{Role: types.RoleUser, Content: prompt}}
}

// interruptionMessages drains one queued steering prompt mid-cycle, so the
// tool-call runner can trip its skipped-due-to-steering branch.
func (s *Session) interruptionMessages(_ context.Context) []types.Message {
	s.mu.Lock()
	if len(s.steering) == 0 {
		s.mu.Unlock()
		return nil
	}
	prompt := s.steering[0]
	s.steering = s.steering[1:]
	s.mu.Unlock()
	s.emit("session_steer_interrupt", map[string]any{"prompt": prompt})
	return []types.Message{{Role: types.RoleUser, Content: prompt}}
}

func (s *Session) engineLogHandler(event string, payload map[string]any) {
	s.emit(event, payload)
}

func (s *Session) dequeueFollowUp() (string, bool) {
	s.mu.Lock()
	if len(s.followUp) == 0 {
		s.mu.Unlock()
		return "", false
	}
	prompt := s.followUp[0]
	s.followUp = s.followUp[1:]
	s.mu.Unlock()
	s.emit("session_follow_up_dequeued", map[string]any{"prompt": prompt})
	return prompt, true
}

func (s *Session) drainNextQueuedPrompt() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steering) > 0 {
		prompt := s.steering[0]
		s.steering = s.steering[1:]
		return prompt, true
	}
	if len(s.followUp) > 0 {
		prompt := s.followUp[0]
		s.followUp = s.followUp[1:]
		return prompt, true
	}
	return "", false
}

func (s *Session) emit(event string, payload map[string]any) {
	s.mu.Lock()
	listeners := append([]EventHandler(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(event, payload)
	}
}
