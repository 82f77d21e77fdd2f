// Package event implements the per-session event-envelope stream.
//
// Every state change in a session is published as exactly one Event,
// wrapped in an Envelope carrying the chat id and a per-session,
// strictly increasing, gapless sequence number. Subscribers that fall
// behind drop envelopes and must resynchronize from a Snapshot; the
// producer is never blocked by a slow consumer.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Type identifies an event variant.
type Type string

const (
	TypeMessageAdded      Type = "message_added"
	TypeMessageUpdated    Type = "message_updated"
	TypeMessageRemoved    Type = "message_removed"
	TypeMessagesTruncated Type = "messages_truncated"
	TypeRuntimeUpdated    Type = "runtime_updated"
	TypePauseRequired     Type = "pause_required"
	TypePauseCleared      Type = "pause_cleared"
	TypeStreamStarted     Type = "stream_started"
	TypeStreamDelta       Type = "stream_delta"
	TypeStreamFinished    Type = "stream_finished"
	TypeTitleUpdated      Type = "title_updated"
	TypeThreadUpdated     Type = "thread_updated"
	TypeSnapshot          Type = "snapshot"
)

// Event is a single state-change notification. The implementations
// below are the closed set of variants.
type Event interface {
	EventType() Type
}

// MessageAdded reports a message appended to the history.
type MessageAdded struct {
	Message types.Message `json:"message"`
}

func (MessageAdded) EventType() Type { return TypeMessageAdded }

// MessageUpdated reports an in-place message replacement.
type MessageUpdated struct {
	Message types.Message `json:"message"`
}

func (MessageUpdated) EventType() Type { return TypeMessageUpdated }

// MessageRemoved reports a message removal, including a discarded draft.
type MessageRemoved struct {
	MessageID string `json:"message_id"`
}

func (MessageRemoved) EventType() Type { return TypeMessageRemoved }

// MessagesTruncated reports that the history was cut to Length messages.
type MessagesTruncated struct {
	Length int `json:"length"`
}

func (MessagesTruncated) EventType() Type { return TypeMessagesTruncated }

// RuntimeUpdated republishes the session's runtime status after a
// state transition.
type RuntimeUpdated struct {
	Runtime types.Runtime `json:"runtime"`
}

func (RuntimeUpdated) EventType() Type { return TypeRuntimeUpdated }

// PauseRequired reports tool calls awaiting a human decision.
type PauseRequired struct {
	Reasons []types.PauseReason `json:"reasons"`
}

func (PauseRequired) EventType() Type { return TypePauseRequired }

// PauseCleared reports that the pending pause-reason set became empty.
type PauseCleared struct{}

func (PauseCleared) EventType() Type { return TypePauseCleared }

// StreamStarted reports a new in-flight draft message.
type StreamStarted struct {
	MessageID string `json:"message_id"`
}

func (StreamStarted) EventType() Type { return TypeStreamStarted }

// StreamDelta carries one batch of draft mutations, republished
// verbatim so subscribers can replay the assembly algorithm.
type StreamDelta struct {
	Ops []types.DeltaOp `json:"-"`
}

func (StreamDelta) EventType() Type { return TypeStreamDelta }

// MarshalJSON encodes the batch with per-op discriminators.
func (d StreamDelta) MarshalJSON() ([]byte, error) {
	raw, err := types.MarshalDeltaOps(d.Ops)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Ops []json.RawMessage `json:"ops"`
	}{Ops: raw})
}

// UnmarshalJSON decodes the batch by per-op discriminators.
func (d *StreamDelta) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ops, err := types.UnmarshalDeltaOps(raw.Ops)
	if err != nil {
		return err
	}
	d.Ops = ops
	return nil
}

// StreamFinished reports the end of a stream, successful or not.
type StreamFinished struct {
	FinishReason string `json:"finish_reason,omitempty"`
}

func (StreamFinished) EventType() Type { return TypeStreamFinished }

// TitleUpdated reports a thread title change.
type TitleUpdated struct {
	Title     string `json:"title"`
	Generated bool   `json:"generated"`
}

func (TitleUpdated) EventType() Type { return TypeTitleUpdated }

// ThreadUpdated carries the sanitized parameter patch that was applied.
type ThreadUpdated struct {
	Patch map[string]any `json:"patch"`
}

func (ThreadUpdated) EventType() Type { return TypeThreadUpdated }

// Snapshot is the full session state used by (re)connecting consumers
// to resynchronize instead of replaying events.
type Snapshot struct {
	Thread       types.Thread        `json:"thread"`
	Messages     []types.Message     `json:"messages"`
	Runtime      types.Runtime       `json:"runtime"`
	PauseReasons []types.PauseReason `json:"pause_reasons,omitempty"`
	Draft        *types.Message      `json:"draft,omitempty"`
}

func (Snapshot) EventType() Type { return TypeSnapshot }

// Envelope attaches the chat id and sequence number to an event.
// Envelopes are immutable once emitted.
type Envelope struct {
	ChatID string
	Seq    uint64
	Event  Event
}

type envelopeJSON struct {
	ChatID string          `json:"chat_id"`
	Seq    uint64          `json:"seq"`
	Type   Type            `json:"type"`
	Event  json.RawMessage `json:"event"`
}

// MarshalJSON flattens the envelope with a "type" discriminator.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		ChatID: e.ChatID,
		Seq:    e.Seq,
		Type:   e.Event.EventType(),
		Event:  payload,
	})
}

// UnmarshalJSON decodes the envelope by its "type" discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ev, err := unmarshalEvent(raw.Type, raw.Event)
	if err != nil {
		return err
	}
	e.ChatID = raw.ChatID
	e.Seq = raw.Seq
	e.Event = ev
	return nil
}

func unmarshalEvent(t Type, data []byte) (Event, error) {
	var ev Event
	switch t {
	case TypeMessageAdded:
		ev = &MessageAdded{}
	case TypeMessageUpdated:
		ev = &MessageUpdated{}
	case TypeMessageRemoved:
		ev = &MessageRemoved{}
	case TypeMessagesTruncated:
		ev = &MessagesTruncated{}
	case TypeRuntimeUpdated:
		ev = &RuntimeUpdated{}
	case TypePauseRequired:
		ev = &PauseRequired{}
	case TypePauseCleared:
		ev = &PauseCleared{}
	case TypeStreamStarted:
		ev = &StreamStarted{}
	case TypeStreamDelta:
		ev = &StreamDelta{}
	case TypeStreamFinished:
		ev = &StreamFinished{}
	case TypeTitleUpdated:
		ev = &TitleUpdated{}
	case TypeThreadUpdated:
		ev = &ThreadUpdated{}
	case TypeSnapshot:
		ev = &Snapshot{}
	default:
		return nil, fmt.Errorf("unknown event type: %q", t)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
