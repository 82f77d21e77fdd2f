package session

import (
	"fmt"
	"sync/atomic"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Finish reasons with engine-level meaning.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishAbort     = "abort"
	FinishError     = "error"
)

// StreamHandle is handed to the generator for the lifetime of one
// model call. All methods are safe for concurrent use; Finish and
// FinishWithError are idempotent against each other, the first caller
// wins.
type StreamHandle struct {
	session   *Session
	messageID string
	finished  atomic.Bool
	aborted   *atomic.Bool
}

// MessageID is the identity the committed message will carry.
func (h *StreamHandle) MessageID() string { return h.messageID }

// Aborted reports whether an abort was requested. Generators must poll
// this between emissions and stop producing once it returns true.
func (h *StreamHandle) Aborted() bool { return h.aborted.Load() }

// Emit applies a batch of delta operations to the draft. Emissions
// after the stream finished are dropped.
func (h *StreamHandle) Emit(ops ...types.DeltaOp) {
	if h.finished.Load() {
		return
	}
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateGenerating || s.draft == nil || s.draft.ID != h.messageID {
		return
	}
	s.applyDeltasLocked(ops)
}

// Finish completes the stream, committing the draft with the given
// finish reason.
func (h *StreamHandle) Finish(finishReason string) {
	if !h.finished.CompareAndSwap(false, true) {
		return
	}
	h.session.finishStream(h.messageID, finishReason)
}

// FinishWithError completes the stream on a generation failure.
func (h *StreamHandle) FinishWithError(err error) {
	if !h.finished.CompareAndSwap(false, true) {
		return
	}
	h.session.finishStreamWithError(h.messageID, err)
}

// StartStream transitions the session into Generating and opens a new
// draft. Fails when a stream is already in flight.
func (s *Session) StartStream() (*StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == types.StateGenerating || s.state == types.StateExecutingTools {
		return nil, fmt.Errorf("stream already in flight (state %s)", s.state)
	}

	s.lastError = ""
	draft := s.beginDraftLocked()
	s.state = types.StateGenerating
	s.events.Publish(event.StreamStarted{MessageID: draft.ID})
	s.publishRuntimeLocked()
	s.cond.Broadcast()

	return &StreamHandle{
		session:   s,
		messageID: draft.ID,
		aborted:   &s.abortFlag,
	}, nil
}

// finishStream commits the draft and returns to Idle. Finishing with
// reason "abort" discards the draft instead of committing it. A stale
// handle (draft already replaced or stream already closed) is a no-op.
func (s *Session) finishStream(messageID, finishReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateGenerating || s.draft == nil || s.draft.ID != messageID {
		return
	}

	s.events.Publish(event.StreamFinished{FinishReason: finishReason})
	if finishReason == FinishAbort {
		s.discardDraftLocked()
	} else {
		s.flushDraftLocked(finishReason)
	}
	s.setStateLocked(types.StateIdle)
}

// finishStreamWithError ends the stream on failure. A partial draft is
// kept in history with finish reason "error"; an empty one is
// discarded. The session lands in Error until the next command.
func (s *Session) finishStreamWithError(messageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateGenerating || s.draft == nil || s.draft.ID != messageID {
		return
	}

	s.logger().Error().Err(err).Str("messageID", messageID).Msg("generation failed")

	s.events.Publish(event.StreamFinished{FinishReason: FinishError})
	if s.draft.Empty() && s.draftUsage == nil {
		s.discardDraftLocked()
	} else {
		s.flushDraftLocked(FinishError)
	}
	s.lastError = err.Error()
	s.setStateLocked(types.StateError)
}

// AbortStream cancels whatever is in flight and returns the session to
// Idle. Idempotent: aborting an idle session changes nothing and emits
// nothing.
func (s *Session) AbortStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked()
}

func (s *Session) abortLocked() {
	changed := false

	if s.state == types.StateGenerating && s.draft != nil {
		s.events.Publish(event.StreamFinished{FinishReason: FinishAbort})
		s.discardDraftLocked()
		changed = true
	}
	if len(s.pauseReasons) > 0 {
		s.pauseReasons = nil
		s.pendingAllowed = nil
		s.events.Publish(event.PauseCleared{})
		changed = true
	}
	if s.lastError != "" {
		s.lastError = ""
		changed = true
	}
	if s.state != types.StateIdle {
		changed = true
	}
	if changed {
		s.touchLocked()
		s.setStateLocked(types.StateIdle)
	}
}
