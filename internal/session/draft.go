package session

import (
	"encoding/json"
	"slices"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// applyDeltasLocked folds a batch of streaming operations into the
// draft and broadcasts them as a single StreamDelta. The draft exists
// exactly while the session is Generating; callers guarantee that.
func (s *Session) applyDeltasLocked(ops []types.DeltaOp) {
	if s.draft == nil || len(ops) == 0 {
		return
	}
	for _, op := range ops {
		s.applyDeltaLocked(op)
	}
	s.touchLocked()
	s.events.Publish(event.StreamDelta{Ops: slices.Clone(ops)})
}

func (s *Session) applyDeltaLocked(op types.DeltaOp) {
	switch d := op.(type) {
	case types.AppendContent:
		s.draft.Content += d.Text
	case *types.AppendContent:
		s.draft.Content += d.Text
	case types.AppendReasoning:
		s.draft.Reasoning += d.Text
	case *types.AppendReasoning:
		s.draft.Reasoning += d.Text
	case types.SetToolCalls:
		s.draft.ToolCalls = slices.Clone(d.ToolCalls)
	case *types.SetToolCalls:
		s.draft.ToolCalls = slices.Clone(d.ToolCalls)
	case types.SetThinkingBlocks:
		s.draft.ThinkingBlocks = slices.Clone(d.Blocks)
	case *types.SetThinkingBlocks:
		s.draft.ThinkingBlocks = slices.Clone(d.Blocks)
	case types.AddCitation:
		s.draft.Citations = append(s.draft.Citations, d.Citation)
	case *types.AddCitation:
		s.draft.Citations = append(s.draft.Citations, d.Citation)
	case types.SetUsage:
		s.setDraftUsage(d.Usage)
	case *types.SetUsage:
		s.setDraftUsage(d.Usage)
	case types.MergeExtra:
		s.mergeDraftExtra(d.Extra)
	case *types.MergeExtra:
		s.mergeDraftExtra(d.Extra)
	default:
		s.logger().Warn().Str("op", op.Op()).Msg("unknown delta op dropped")
	}
}

// setDraftUsage decodes the raw usage payload. A payload that fails to
// decode is ignored; the previous accumulator stays in place.
func (s *Session) setDraftUsage(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var u types.Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		s.logger().Warn().Err(err).Msg("undecodable usage payload ignored")
		return
	}
	s.draftUsage = &u
}

func (s *Session) mergeDraftExtra(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if s.draft.Extra == nil {
		s.draft.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		s.draft.Extra[k] = v
	}
}

// beginDraftLocked allocates a fresh draft and resets the usage
// accumulator. The draft's identity is assigned now so subscribers can
// correlate StreamStarted with the later MessageAdded.
func (s *Session) beginDraftLocked() *types.Message {
	s.draft = &types.Message{
		ID:   newID(),
		Role: types.RoleAssistant,
	}
	s.draftUsage = nil
	return s.draft
}

// flushDraftLocked commits the draft into history with the given finish
// reason, attaching the accumulated usage. Empty drafts are dropped with
// a MessageRemoved so subscribers that mirrored StreamStarted converge.
// Returns the committed message, or nil when there was nothing to keep.
func (s *Session) flushDraftLocked(finishReason string) *types.Message {
	draft := s.draft
	s.draft = nil
	if draft == nil {
		return nil
	}
	draft.Usage = s.draftUsage
	s.draftUsage = nil
	if draft.Empty() {
		s.events.Publish(event.MessageRemoved{MessageID: draft.ID})
		return nil
	}
	draft.FinishReason = finishReason
	s.appendMessageLocked(draft)
	return draft
}

// discardDraftLocked drops the draft without committing it, announcing
// the removal to subscribers that mirrored it.
func (s *Session) discardDraftLocked() {
	draft := s.draft
	s.draft = nil
	s.draftUsage = nil
	if draft != nil {
		s.events.Publish(event.MessageRemoved{MessageID: draft.ID})
	}
}
