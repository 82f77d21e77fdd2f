package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

func TestStartStreamSetsGenerating(t *testing.T) {
	s := newTestSession(t)
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h, err := s.StartStream()
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, types.StateGenerating, s.Runtime().State)
	s.mu.Lock()
	require.NotNil(t, s.draft)
	assert.Equal(t, h.MessageID(), s.draft.ID)
	s.mu.Unlock()

	started := (<-ch).Event.(event.StreamStarted)
	assert.Equal(t, h.MessageID(), started.MessageID)
}

func TestStartStreamWhileGeneratingFails(t *testing.T) {
	s := newTestSession(t)

	_, err := s.StartStream()
	require.NoError(t, err)

	_, err = s.StartStream()
	assert.Error(t, err)
}

func TestStreamFinishCommitsDraft(t *testing.T) {
	s := newTestSession(t)
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h, err := s.StartStream()
	require.NoError(t, err)

	h.Emit(types.AppendContent{Text: "Hel"})
	h.Emit(types.AppendContent{Text: "lo"})
	h.Finish("stop")

	assert.Equal(t, types.StateIdle, s.Runtime().State)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "stop", msgs[0].FinishReason)
	assert.Equal(t, h.MessageID(), msgs[0].ID)

	var kinds []event.Type
	for i := 0; i < 7; i++ {
		kinds = append(kinds, (<-ch).Event.EventType())
	}
	assert.Equal(t, []event.Type{
		event.TypeStreamStarted,
		event.TypeRuntimeUpdated,
		event.TypeStreamDelta,
		event.TypeStreamDelta,
		event.TypeStreamFinished,
		event.TypeMessageAdded,
		event.TypeRuntimeUpdated,
	}, kinds)
}

func TestStreamFinishIdempotent(t *testing.T) {
	s := newTestSession(t)

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Emit(types.AppendContent{Text: "x"})
	h.Finish("stop")
	h.Finish("stop")
	h.FinishWithError(errors.New("late"))

	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, types.StateIdle, s.Runtime().State)
}

func TestStreamEmitAfterFinishDropped(t *testing.T) {
	s := newTestSession(t)

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Emit(types.AppendContent{Text: "kept"})
	h.Finish("stop")
	h.Emit(types.AppendContent{Text: " dropped"})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)
}

func TestStreamFinishEmptyDraftAnnouncesRemoval(t *testing.T) {
	s := newTestSession(t)
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Finish("stop")

	assert.Equal(t, types.StateIdle, s.Runtime().State)
	assert.Empty(t, s.Messages())

	var kinds []event.Type
	for i := 0; i < 5; i++ {
		kinds = append(kinds, (<-ch).Event.EventType())
	}
	assert.Equal(t, []event.Type{
		event.TypeStreamStarted,
		event.TypeRuntimeUpdated,
		event.TypeStreamFinished,
		event.TypeMessageRemoved,
		event.TypeRuntimeUpdated,
	}, kinds)
}

func TestStreamFinishWithErrorKeepsPartialDraft(t *testing.T) {
	s := newTestSession(t)

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Emit(types.AppendContent{Text: "partial answer"})
	h.FinishWithError(errors.New("provider exploded"))

	rt := s.Runtime()
	assert.Equal(t, types.StateError, rt.State)
	assert.Equal(t, "provider exploded", rt.Error)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial answer", msgs[0].Content)
	assert.Equal(t, "error", msgs[0].FinishReason)
}

func TestStreamFinishWithErrorDiscardsEmptyDraft(t *testing.T) {
	s := newTestSession(t)

	h, err := s.StartStream()
	require.NoError(t, err)
	h.FinishWithError(errors.New("boom"))

	assert.Equal(t, types.StateError, s.Runtime().State)
	assert.Empty(t, s.Messages())
}

func TestAbortStreamDiscardsDraft(t *testing.T) {
	s := newTestSession(t)
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Emit(types.AppendContent{Text: "half a thou"})

	s.AbortStream()

	assert.Equal(t, types.StateIdle, s.Runtime().State)
	assert.Empty(t, s.Messages())

	var kinds []event.Type
	for i := 0; i < 6; i++ {
		kinds = append(kinds, (<-ch).Event.EventType())
	}
	assert.Equal(t, []event.Type{
		event.TypeStreamStarted,
		event.TypeRuntimeUpdated,
		event.TypeStreamDelta,
		event.TypeStreamFinished,
		event.TypeMessageRemoved,
		event.TypeRuntimeUpdated,
	}, kinds)
}

func TestAbortStreamIdleIsNoop(t *testing.T) {
	s := newTestSession(t)

	before := s.events.Seq()
	s.AbortStream()
	s.AbortStream()
	assert.Equal(t, before, s.events.Seq())
	assert.Equal(t, types.StateIdle, s.Runtime().State)
}

func TestAbortStreamClearsPauseAndError(t *testing.T) {
	s := newTestSession(t)

	s.mu.Lock()
	s.pauseLocked([]types.PauseReason{{ReasonType: types.PauseConfirmation, ToolCallID: "tc1"}})
	s.mu.Unlock()
	require.Equal(t, types.StatePaused, s.Runtime().State)

	s.AbortStream()
	rt := s.Runtime()
	assert.Equal(t, types.StateIdle, rt.State)
	assert.False(t, rt.Paused)
	assert.Empty(t, s.PauseReasons())
}

func TestDraftExistsExactlyWhileGenerating(t *testing.T) {
	s := newTestSession(t)

	snapDraft := func() *types.Message {
		snap := s.Snapshot().Event.(event.Snapshot)
		return snap.Draft
	}

	assert.Nil(t, snapDraft())

	h, err := s.StartStream()
	require.NoError(t, err)
	h.Emit(types.AppendContent{Text: "x"})
	require.NotNil(t, snapDraft())
	assert.Equal(t, "x", snapDraft().Content)

	h.Finish("stop")
	assert.Nil(t, snapDraft())
}
