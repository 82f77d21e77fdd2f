package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

func TestStreamSequenceGapless(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	st := bus.Stream("chat1")

	ch, cancel := st.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		st.Publish(StreamStarted{MessageID: "m"})
	}

	for i := 1; i <= 10; i++ {
		select {
		case env := <-ch:
			assert.Equal(t, uint64(i), env.Seq)
			assert.Equal(t, "chat1", env.ChatID)
		case <-time.After(time.Second):
			t.Fatalf("envelope %d never arrived", i)
		}
	}
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	st := bus.Stream("chat1")

	// Nobody reads this subscriber; publishing must still return.
	_, cancel := st.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			st.Publish(PauseCleared{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
	assert.Equal(t, uint64(subscriberBuffer*3), st.Seq())
}

func TestStreamWrapDoesNotConsumeSeq(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	st := bus.Stream("chat1")

	st.Publish(PauseCleared{})
	env := st.Wrap(Snapshot{})
	assert.Equal(t, uint64(1), env.Seq)
	assert.Equal(t, uint64(1), st.Seq())
}

func TestStreamPerChatIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Stream("a")
	b := bus.Stream("b")
	require.NotSame(t, a, b)
	assert.Same(t, a, bus.Stream("a"))

	a.Publish(PauseCleared{})
	a.Publish(PauseCleared{})
	b.Publish(PauseCleared{})
	assert.Equal(t, uint64(2), a.Seq())
	assert.Equal(t, uint64(1), b.Seq())
}

func TestDropClosesSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	st := bus.Stream("chat1")
	ch, cancel := st.Subscribe()
	defer cancel()

	bus.Drop("chat1")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after drop")
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := Envelope{
		ChatID: "chat1",
		Seq:    7,
		Event: MessageAdded{Message: types.Message{
			ID:      "m1",
			Role:    types.RoleUser,
			Content: "hello",
		}},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "chat1", fields["chat_id"])
	assert.Equal(t, string(TypeMessageAdded), fields["type"])

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.ChatID, decoded.ChatID)
	assert.Equal(t, env.Seq, decoded.Seq)

	added, ok := decoded.Event.(*MessageAdded)
	require.True(t, ok)
	assert.Equal(t, "hello", added.Message.Content)
}

func TestEnvelopeStreamDeltaRoundTrip(t *testing.T) {
	env := Envelope{
		ChatID: "chat1",
		Seq:    3,
		Event: StreamDelta{Ops: []types.DeltaOp{
			types.AppendContent{Text: "Hel"},
			types.AppendContent{Text: "lo"},
		}},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	delta, ok := decoded.Event.(*StreamDelta)
	require.True(t, ok)
	require.Len(t, delta.Ops, 2)
	assert.Equal(t, types.AppendContent{Text: "Hel"}, delta.Ops[0])
}

func TestFirehoseCarriesAllChats(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	messages, err := bus.SubscribeFirehose(ctx)
	require.NoError(t, err)

	bus.Stream("a").Publish(PauseCleared{})
	bus.Stream("b").Publish(StreamFinished{FinishReason: "stop"})

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case msg := <-messages:
			var env Envelope
			require.NoError(t, json.Unmarshal(msg.Payload, &env))
			seen[env.ChatID] = true
			assert.Equal(t, env.ChatID, msg.Metadata.Get("chat_id"))
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("firehose incomplete, saw %v", seen)
		}
	}
}
