package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

// maxSteps bounds the generate/execute continuation loop of a single
// user turn.
const maxSteps = 50

// dispatch executes one dequeued command to completion. It runs on the
// processor goroutine and never holds the session lock across a
// collaborator call.
func (s *Session) dispatch(ctx context.Context, deps Deps, req CommandRequest) {
	log := s.logger()
	if req.Command == nil {
		log.Warn().Msg("empty command dropped")
		return
	}
	log.Debug().Str("command", req.Command.CommandType()).Str("requestID", req.ClientRequestID).Msg("dispatching command")

	switch cmd := req.Command.(type) {
	case *UserMessage:
		s.handleUserMessage(ctx, deps, cmd)
	case *RetryFromIndex:
		s.handleRetryFromIndex(ctx, deps, cmd)
	case *SetParams:
		s.handleSetParams(cmd)
	case *Abort:
		s.handleAbort()
	case *ToolDecision:
		s.handleToolDecisions(ctx, deps, []Decision{cmd.Decision})
	case *ToolDecisions:
		s.handleToolDecisions(ctx, deps, cmd.Decisions)
	case *IdeToolResult:
		s.handleIdeToolResult(ctx, deps, cmd)
	case *UpdateMessage:
		s.handleUpdateMessage(ctx, deps, cmd)
	case *RemoveMessage:
		s.handleRemoveMessage(ctx, deps, cmd)
	default:
		log.Warn().Str("command", req.Command.CommandType()).Msg("unhandled command type")
	}
}

func (s *Session) handleUserMessage(ctx context.Context, deps Deps, cmd *UserMessage) {
	var checkpoints []types.Checkpoint
	s.mu.Lock()
	wantCheckpoint := s.thread.CheckpointsEnabled && deps.Checkpoints != nil
	prev := s.lastCheckpointsLocked()
	s.mu.Unlock()

	if wantCheckpoint {
		cps, err := deps.Checkpoints.Create(ctx, prev, s.ChatID)
		if err != nil {
			s.logger().Warn().Err(err).Msg("checkpoint creation failed")
		} else {
			checkpoints = cps
		}
	}

	s.mu.Lock()
	s.appendMessageLocked(&types.Message{
		Role:        types.RoleUser,
		Content:     cmd.Content,
		Checkpoints: checkpoints,
	})
	s.ensureTitleLocked(cmd.Content)
	s.mu.Unlock()

	s.runGeneration(ctx, deps)
}

func (s *Session) handleRetryFromIndex(ctx context.Context, deps Deps, cmd *RetryFromIndex) {
	s.mu.Lock()
	s.truncateMessagesLocked(cmd.Index)
	if cmd.Content != "" {
		s.appendMessageLocked(&types.Message{
			Role:    types.RoleUser,
			Content: cmd.Content,
		})
		s.ensureTitleLocked(cmd.Content)
	}
	empty := len(s.messages) == 0
	s.mu.Unlock()

	if empty {
		return
	}
	s.runGeneration(ctx, deps)
}

func (s *Session) handleSetParams(cmd *SetParams) {
	var patch map[string]any
	if err := json.Unmarshal(cmd.Patch, &patch); err != nil {
		s.logger().Warn().Err(err).Msg("non-object params patch dropped")
		return
	}

	s.mu.Lock()
	changed := s.applyParamsLocked(patch)
	s.mu.Unlock()

	s.logger().Debug().Bool("changed", changed).Msg("thread params applied")
}

func (s *Session) handleAbort() {
	s.AbortStream()
	s.abortFlag.Store(false)
}

// handleToolDecisions reconciles accept/deny verdicts against the
// pending pause reasons. Unknown tool call ids are logged and ignored.
// Once the last reason resolves the session unpauses, executes the
// accepted calls, and resumes generation.
func (s *Session) handleToolDecisions(ctx context.Context, deps Deps, decisions []Decision) {
	log := s.logger()

	var accepted []types.ToolCall
	resolved := 0
	s.mu.Lock()
	for _, d := range decisions {
		if !s.resolvePauseReasonLocked(d.ToolCallID) {
			log.Warn().Str("toolCallID", d.ToolCallID).Msg("decision for unknown tool call ignored")
			continue
		}
		resolved++
		call, ok := s.findToolCallLocked(d.ToolCallID)
		if !ok {
			log.Warn().Str("toolCallID", d.ToolCallID).Msg("pending tool call missing from history")
			continue
		}
		if d.Accepted {
			accepted = append(accepted, call)
		} else {
			s.appendToolFailureLocked(call.ID, "tool call denied by user")
		}
	}
	if resolved == 0 {
		s.mu.Unlock()
		return
	}
	remaining := len(s.pauseReasons)
	if remaining == 0 {
		accepted = append(slices.Clone(s.pendingAllowed), accepted...)
		s.pendingAllowed = nil
	}
	s.clearPauseLocked()
	s.mu.Unlock()

	if remaining > 0 {
		return
	}
	if !s.executeToolCalls(ctx, deps, accepted) {
		return
	}
	s.runGeneration(ctx, deps)
}

// handleIdeToolResult appends a tool result produced on the IDE side,
// forces the session to Idle, and resumes generation. Arrivals outside
// WaitingIde (including a session stuck in Error) are answered too, so
// an out-of-band result is never left dangling.
func (s *Session) handleIdeToolResult(ctx context.Context, deps Deps, cmd *IdeToolResult) {
	s.mu.Lock()
	s.appendMessageLocked(&types.Message{
		Role:       types.RoleTool,
		Content:    cmd.Content,
		ToolCallID: cmd.ToolCallID,
		ToolFailed: cmd.Failed,
	})
	waiting := s.state == types.StateWaitingIde
	if s.state != types.StateIdle {
		s.lastError = ""
		s.setStateLocked(types.StateIdle)
	}
	s.mu.Unlock()

	if !waiting {
		s.logger().Warn().Str("toolCallID", cmd.ToolCallID).Msg("ide tool result arrived outside waiting state")
	}
	s.runGeneration(ctx, deps)
}

func (s *Session) handleUpdateMessage(ctx context.Context, deps Deps, cmd *UpdateMessage) {
	s.mu.Lock()
	idx := s.findMessageLocked(cmd.MessageID)
	if idx < 0 {
		s.mu.Unlock()
		s.logger().Warn().Str("messageID", cmd.MessageID).Msg("update for unknown message ignored")
		return
	}
	s.updateMessageLocked(idx, cmd.Content)
	if cmd.Regenerate {
		s.truncateMessagesLocked(idx + 1)
	}
	s.mu.Unlock()

	if cmd.Regenerate {
		s.runGeneration(ctx, deps)
	}
}

func (s *Session) handleRemoveMessage(ctx context.Context, deps Deps, cmd *RemoveMessage) {
	s.mu.Lock()
	idx := s.findMessageLocked(cmd.MessageID)
	if idx < 0 {
		s.mu.Unlock()
		s.logger().Warn().Str("messageID", cmd.MessageID).Msg("remove for unknown message ignored")
		return
	}
	s.removeMessageLocked(idx)
	if cmd.Regenerate {
		s.truncateMessagesLocked(idx)
	}
	empty := len(s.messages) == 0
	s.mu.Unlock()

	if cmd.Regenerate && !empty {
		s.runGeneration(ctx, deps)
	}
}

// runGeneration drives the generate/evaluate/execute continuation loop
// for one turn. Each iteration streams one assistant message; tool
// calls on it are classified against the confirmation rules. Calls
// needing confirmation pause the session and the loop yields; the
// decision handler picks the turn back up.
func (s *Session) runGeneration(ctx context.Context, deps Deps) {
	log := s.logger()
	if deps.Generator == nil {
		log.Warn().Msg("no generator configured, message left unanswered")
		return
	}

	for step := 0; step < maxSteps; step++ {
		h, err := s.StartStream()
		if err != nil {
			log.Warn().Err(err).Msg("could not start stream")
			return
		}
		if genErr := deps.Generator.Generate(ctx, s, h); genErr != nil {
			h.FinishWithError(genErr)
		}
		s.waitStreamDone()

		s.mu.Lock()
		if s.state != types.StateIdle {
			s.mu.Unlock()
			return
		}
		aborted := s.abortFlag.Load()
		last := s.lastAssistantLocked()
		s.mu.Unlock()

		s.maybeSave(ctx, deps, false)

		if aborted || last == nil || len(last.ToolCalls) == 0 {
			return
		}

		allowed, pending := s.classifyToolCalls(deps, last.ToolCalls)
		if pending {
			return
		}
		if !s.executeToolCalls(ctx, deps, allowed) {
			return
		}
	}
	log.Warn().Int("steps", maxSteps).Msg("continuation loop hit step cap")
}

// waitStreamDone parks until the in-flight stream is finished from
// whichever goroutine closes it.
func (s *Session) waitStreamDone() {
	s.mu.Lock()
	for s.state == types.StateGenerating {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *Session) lastAssistantLocked() *types.Message {
	if len(s.messages) == 0 {
		return nil
	}
	last := s.messages[len(s.messages)-1]
	if last.Role != types.RoleAssistant {
		return nil
	}
	return &last
}

// classifyToolCalls partitions the calls against the confirmation
// rules. Denied calls get synthetic failure results; calls needing
// confirmation pause the session, in which case pending is true and
// the caller must yield. A nil ruleset allows everything.
func (s *Session) classifyToolCalls(deps Deps, calls []types.ToolCall) (allowed []types.ToolCall, pending bool) {
	if deps.Rules == nil {
		return slices.Clone(calls), false
	}

	p := deps.Rules.EvaluateAll(calls)

	s.mu.Lock()
	for _, d := range p.Denied {
		s.appendToolFailureLocked(d.Call.ID, fmt.Sprintf("tool call denied by rule %q", d.Rule.String()))
	}
	if len(p.Reasons) > 0 {
		// Auto-approved calls ride along with the pause: they execute
		// with the confirmed ones once the user decides.
		s.pendingAllowed = slices.Clone(p.Allowed)
		s.pauseLocked(p.Reasons)
		s.mu.Unlock()
		return nil, true
	}
	s.mu.Unlock()

	return p.Allowed, false
}

// appendToolFailureLocked records a synthetic failed tool result so the
// model sees the denial on the next step.
func (s *Session) appendToolFailureLocked(toolCallID, reason string) {
	s.appendMessageLocked(&types.Message{
		Role:       types.RoleTool,
		Content:    reason,
		ToolCallID: toolCallID,
		ToolFailed: true,
	})
}

// executeToolCalls runs the allowed batch through the tool runner.
// Returns true when the continuation loop should keep going; false when
// the session parked in WaitingIde, was aborted, or hit a fatal runner
// error. An empty batch is a no-op that continues the loop.
func (s *Session) executeToolCalls(ctx context.Context, deps Deps, calls []types.ToolCall) bool {
	if len(calls) == 0 {
		return true
	}
	if deps.Tools == nil {
		s.mu.Lock()
		for _, call := range calls {
			s.appendToolFailureLocked(call.ID, "no tool runner configured")
		}
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	s.setStateLocked(types.StateExecutingTools)
	messages := slices.Clone(s.messages)
	thread := s.thread
	s.mu.Unlock()

	results, waitIde, err := deps.Tools.Execute(ctx, calls, messages, thread)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger().Error().Err(err).Msg("tool execution failed")
		for _, call := range calls {
			s.appendToolFailureLocked(call.ID, fmt.Sprintf("tool execution failed: %v", err))
		}
		s.setStateLocked(types.StateIdle)
		return true
	}

	for i := range results {
		results[i].Role = types.RoleTool
		s.appendMessageLocked(&results[i])
	}

	if s.abortFlag.Load() {
		s.setStateLocked(types.StateIdle)
		return false
	}
	if waitIde {
		s.setStateLocked(types.StateWaitingIde)
		return false
	}
	s.setStateLocked(types.StateIdle)
	return true
}
