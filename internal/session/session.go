// Package session implements the conversational-session engine: the
// per-session state machine, its single-consumer command queue, the
// pause/resume protocol for tool confirmation, streaming draft
// assembly, and the registry that creates, looks up, and reaps
// sessions.
package session

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/logging"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// ErrClosed is returned when a command is enqueued on a closed session.
var ErrClosed = errors.New("session closed")

const (
	// dedupWindow bounds the recent-request-id set for idempotent
	// retry detection.
	dedupWindow = 100
	// titleLimit caps provisional titles derived from the first
	// user message.
	titleLimit = 60
)

// Session is the single source of truth for one conversation thread.
// All mutable state is guarded by mu; the command processor is the only
// writer while holding it, and the lock is never held across a call to
// an external collaborator.
type Session struct {
	ChatID string

	mu   sync.Mutex
	cond *sync.Cond

	thread       types.Thread
	messages     []types.Message
	state        types.SessionState
	lastError    string
	pauseReasons []types.PauseReason

	// pendingAllowed holds the auto-approved calls of a batch whose
	// siblings are awaiting confirmation; they execute together once
	// the user decides.
	pendingAllowed []types.ToolCall

	draft      *types.Message
	draftUsage *types.Usage

	queue            []CommandRequest
	recentRequestIDs []string

	// abortFlag is shared with the in-flight generation through the
	// stream handle.
	abortFlag atomic.Bool

	events *event.Stream

	createdAt    time.Time
	lastActivity time.Time

	trajectoryDirty   bool
	trajectoryVersion uint64
	savedVersion      uint64
	lastSaveAt        time.Time
	saveTimer         *time.Timer

	closed           bool
	processorRunning bool
}

// newSession builds a session, rehydrating history and thread
// parameters from a persisted trajectory when one is supplied.
func newSession(chatID string, stream *event.Stream, defaults types.Thread, traj *trajectory.Trajectory) *Session {
	s := &Session{
		ChatID:       chatID,
		thread:       defaults,
		state:        types.StateIdle,
		events:       stream,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)

	if traj != nil {
		s.thread = traj.Thread
		s.messages = slices.Clone(traj.Messages)
		s.trajectoryVersion = traj.Version
		s.savedVersion = traj.Version
		if !traj.CreatedAt.IsZero() {
			s.createdAt = traj.CreatedAt
		}
	}
	return s
}

// newID returns a new ULID.
func newID() string {
	return ulid.Make().String()
}

// Enqueue pushes a command onto the session's queue and wakes the
// processor. The duplicate return is true when the client request id is
// within the dedup window; the command is then dropped without side
// effects.
func (s *Session) Enqueue(req CommandRequest) (duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if s.seenRequestLocked(req.ClientRequestID) {
		return true, nil
	}

	// Aborts take effect immediately: the shared flag is visible to the
	// in-flight generation before the command itself is dispatched.
	if req.Command != nil && req.Command.CommandType() == CmdAbort {
		s.abortFlag.Store(true)
	}

	s.queue = append(s.queue, req)
	s.cond.Broadcast()
	return false, nil
}

// seenRequestLocked records the request id and reports whether it was
// already within the bounded window. Empty ids are never deduplicated.
func (s *Session) seenRequestLocked(id string) bool {
	if id == "" {
		return false
	}
	if slices.Contains(s.recentRequestIDs, id) {
		return true
	}
	s.recentRequestIDs = append(s.recentRequestIDs, id)
	if len(s.recentRequestIDs) > dedupWindow {
		s.recentRequestIDs = s.recentRequestIDs[1:]
	}
	return false
}

// QueueSize returns the current queue depth.
func (s *Session) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Thread returns a copy of the thread parameters.
func (s *Session) Thread() types.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Messages returns a copy of the message history.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Runtime returns the current runtime status.
func (s *Session) Runtime() types.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeLocked()
}

// PauseReasons returns a copy of the pending pause reasons.
func (s *Session) PauseReasons() []types.PauseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pauseReasons)
}

// Snapshot builds a full-state snapshot envelope carrying the sequence
// number of the last emitted event, letting a (re)connecting consumer
// resynchronize without replay.
func (s *Session) Snapshot() event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := event.Snapshot{
		Thread:       s.thread,
		Messages:     slices.Clone(s.messages),
		Runtime:      s.runtimeLocked(),
		PauseReasons: slices.Clone(s.pauseReasons),
	}
	if s.draft != nil {
		draft := *s.draft
		snap.Draft = &draft
	}
	return s.events.Wrap(snap)
}

// Events returns the session's envelope stream.
func (s *Session) Events() *event.Stream {
	return s.events
}

func (s *Session) runtimeLocked() types.Runtime {
	return types.Runtime{
		State:     s.state,
		Paused:    s.state == types.StatePaused,
		Error:     s.lastError,
		QueueSize: len(s.queue),
	}
}

// publishRuntimeLocked republishes the runtime status after a
// transition.
func (s *Session) publishRuntimeLocked() {
	s.events.Publish(event.RuntimeUpdated{Runtime: s.runtimeLocked()})
}

func (s *Session) setStateLocked(st types.SessionState) {
	s.state = st
	s.publishRuntimeLocked()
	s.cond.Broadcast()
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

/// markDirtyLocked records a persisted-state mutation: version bump,
// dirty flag, activity touch.
func (s *Session) markDirtyLocked() {
	s.trajectoryVersion++
	s.trajectoryDirty = true
	s.touchLocked()
}

// appendMessageLocked assigns identity to the message, appends it, and
// publishes MessageAdded.
func (s *Session) appendMessageLocked(msg *types.Message) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, *msg)
	s.markDirtyLocked()
	s.events.Publish(event.MessageAdded{Message: *msg})
}

// truncateMessagesLocked cuts the history to n messages. A count at or
// beyond the current length is a no-op: no version bump, no event.
func (s *Session) truncateMessagesLocked(n int) bool {
	if n < 0 {
		n = 0
	}
	if n >= len(s.messages) {
		return false
	}
	s.messages = s.messages[:n]
	s.markDirtyLocked()
	s.events.Publish(event.MessagesTruncated{Length: n})
	return true
}

func (s *Session) findMessageLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// updateMessageLocked replaces a message's content in place.
func (s *Session) updateMessageLocked(idx int, content string) {
	s.messages[idx].Content = content
	s.markDirtyLocked()
	s.events.Publish(event.MessageUpdated{Message: s.messages[idx]})
}

// removeMessageLocked deletes the message at idx.
func (s *Session) removeMessageLocked(idx int) {
	id := s.messages[idx].ID
	s.messages = slices.Delete(s.messages, idx, idx+1)
	s.markDirtyLocked()
	s.events.Publish(event.MessageRemoved{MessageID: id})
}

// setTitleLocked updates the thread title. Always emits TitleUpdated,
// even when the value is unchanged.
func (s *Session) setTitleLocked(title string, generated bool) {
	changed := s.thread.Title != title || s.thread.TitleGenerated != generated
	s.thread.Title = title
	s.thread.TitleGenerated = generated
	if changed {
		s.markDirtyLocked()
	}
	s.events.Publish(event.TitleUpdated{Title: title, Generated: generated})
}

// ensureTitleLocked derives a provisional title from the first user
// message of an untitled thread.
func (s *Session) ensureTitleLocked(content string) {
	if s.thread.Title != "" || s.thread.TitleGenerated {
		return
	}
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return
	}
	runes := []rune(title)
	if len(runes) > titleLimit {
		title = strings.TrimSpace(string(runes[:titleLimit])) + "…"
	}
	s.setTitleLocked(title, true)
}

// applyParamsLocked applies a field-by-field diff to the thread.
// Unrecognized keys are silently ignored; only recognized fields count
// toward changed. A ThreadUpdated event carrying the sanitized patch is
// always emitted, and the version bumps only when something changed.
func (s *Session) applyParamsLocked(patch map[string]any) bool {
	changed := false

	if v, ok := asString(patch["model"]); ok && v != s.thread.Model {
		s.thread.Model = v
		changed = true
	}
	if v, ok := asString(patch["mode"]); ok && v != s.thread.Mode {
		s.thread.Mode = v
		changed = true
	}
	if v, ok := asBool(patch["boost_reasoning"]); ok && v != s.thread.BoostReasoning {
		s.thread.BoostReasoning = v
		changed = true
	}
	if v, ok := asString(patch["tool_use"]); ok && v != s.thread.ToolUse {
		s.thread.ToolUse = v
		changed = true
	}
	if v, ok := asInt(patch["context_tokens_cap"]); ok && v != s.thread.ContextTokensCap {
		s.thread.ContextTokensCap = v
		changed = true
	}
	if v, ok := asBool(patch["include_project_info"]); ok && v != s.thread.IncludeProjectInfo {
		s.thread.IncludeProjectInfo = v
		changed = true
	}
	if v, ok := asBool(patch["checkpoints_enabled"]); ok && v != s.thread.CheckpointsEnabled {
		s.thread.CheckpointsEnabled = v
		changed = true
	}
	if v, ok := asBool(patch["use_compression"]); ok && v != s.thread.UseCompression {
		s.thread.UseCompression = v
		changed = true
	}
	if v, ok := asString(patch["title"]); ok {
		if v != s.thread.Title {
			changed = true
		}
		s.setTitleLocked(v, false)
	}

	sanitized := make(map[string]any, len(patch))
	for k, v := range patch {
		switch k {
		case "type", "chat_id", "seq":
			continue
		}
		sanitized[k] = v
	}
	s.events.Publish(event.ThreadUpdated{Patch: sanitized})

	if changed {
		s.markDirtyLocked()
	}
	return changed
}

func asString(v any) (string, bool) {
	sv, ok := v.(string)
	return sv, ok
}

func asBool(v any) (bool, bool) {
	bv, ok := v.(bool)
	return bv, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// pauseLocked records pause reasons and parks the session. Emits
// PauseRequired before the runtime-state event.
func (s *Session) pauseLocked(reasons []types.PauseReason) {
	if len(reasons) == 0 {
		return
	}
	s.pauseReasons = append(s.pauseReasons, reasons...)
	s.touchLocked()
	s.events.Publish(event.PauseRequired{Reasons: slices.Clone(reasons)})
	s.setStateLocked(types.StatePaused)
}

// resolvePauseReasonLocked removes the pause reason for a tool call.
// Unknown ids leave the set untouched.
func (s *Session) resolvePauseReasonLocked(toolCallID string) bool {
	for i := range s.pauseReasons {
		if s.pauseReasons[i].ToolCallID == toolCallID {
			s.pauseReasons = slices.Delete(s.pauseReasons, i, i+1)
			return true
		}
	}
	return false
}

// clearPauseLocked transitions Paused → Idle once the reason set is
// empty, emitting PauseCleared before the runtime-state event.
func (s *Session) clearPauseLocked() {
	if s.state != types.StatePaused || len(s.pauseReasons) > 0 {
		return
	}
	s.pauseReasons = nil
	s.events.Publish(event.PauseCleared{})
	s.setStateLocked(types.StateIdle)
}

// findToolCallLocked searches the history, newest first, for the tool
// call with the given id.
func (s *Session) findToolCallLocked(toolCallID string) (types.ToolCall, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if tc, ok := s.messages[i].FindToolCall(toolCallID); ok {
			return tc, true
		}
	}
	return types.ToolCall{}, false
}

// lastCheckpointsLocked returns the checkpoints of the most recent
// message that carries any.
func (s *Session) lastCheckpointsLocked() []types.Checkpoint {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if len(s.messages[i].Checkpoints) > 0 {
			return slices.Clone(s.messages[i].Checkpoints)
		}
	}
	return nil
}

// close marks the session closed and wakes the processor so it can
// observe the flag and exit.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Closed reports whether the session was closed by the registry.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// idleSince reports whether the session is reapable: Idle, empty
// queue, and no activity since the cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.StateIdle && len(s.queue) == 0 && s.lastActivity.Before(cutoff)
}

// logger returns a session-scoped logger.
func (s *Session) logger() *zerolog.Logger {
	l := logging.Component("session").With().Str("chatID", s.ChatID).Logger()
	return &l
}
