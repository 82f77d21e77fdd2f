package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/threadcore-ai/threadcore/internal/logging"
)

// FirehoseTopic is the watermill topic carrying every chat's envelopes,
// JSON-marshaled, for infrastructure consumers (the global SSE feed,
// future middleware or distributed backends).
const FirehoseTopic = "chats"

// subscriberBuffer is the default per-subscriber channel buffer.
const subscriberBuffer = 64

// Bus owns the watermill infrastructure shared by all chat streams and
// hands out one Stream per chat.
type Bus struct {
	mu      sync.Mutex
	pubsub  *gochannel.GoChannel
	streams map[string]*Stream
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		streams: make(map[string]*Stream),
	}
}

// Stream returns the envelope stream for a chat, creating it on first use.
func (b *Bus) Stream(chatID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[chatID]; ok {
		return st
	}
	st := &Stream{
		chatID: chatID,
		subs:   make(map[uint64]chan Envelope),
		out:    make(chan Envelope, 256),
		done:   make(chan struct{}),
		pubsub: b.pubsub,
	}
	go st.forward()
	b.streams[chatID] = st
	return st
}

// Drop removes a chat's stream, closing its subscriber channels.
// Called by the registry when a session is reaped.
func (b *Bus) Drop(chatID string) {
	b.mu.Lock()
	st, ok := b.streams[chatID]
	delete(b.streams, chatID)
	b.mu.Unlock()
	if ok {
		st.close()
	}
}

// SubscribeFirehose subscribes to the marshaled envelopes of every chat
// through the watermill transport. Messages must be Acked by the consumer.
func (b *Bus) SubscribeFirehose(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, FirehoseTopic)
}

// Close tears down all streams and the underlying pub/sub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[string]*Stream)
	b.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	return b.pubsub.Close()
}

// Stream is the event-envelope publisher for a single chat. Sequence
// numbers are assigned under the stream's lock, so per-chat envelopes
// are strictly increasing and gapless in emission order.
type Stream struct {
	chatID string

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]chan Envelope
	closed bool

	// out feeds the watermill forwarder; the producer never blocks on it.
	out    chan Envelope
	done   chan struct{}
	pubsub *gochannel.GoChannel
}

// Publish assigns the next sequence number to the event and fans the
// envelope out. Slow subscribers drop the envelope rather than blocking
// the caller; a dropped envelope shows up as a seq gap on their side.
func (s *Stream) Publish(ev Event) uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.seq
	}
	s.seq++
	env := Envelope{ChatID: s.chatID, Seq: s.seq, Event: ev}
	subs := make([]chan Envelope, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			logging.Warn().
				Str("chatID", s.chatID).
				Uint64("seq", env.Seq).
				Msg("event dropped: subscriber lagging")
		}
	}

	select {
	case s.out <- env:
	default:
		logging.Warn().
			Str("chatID", s.chatID).
			Uint64("seq", env.Seq).
			Msg("event dropped: firehose forwarder lagging")
	}

	return env.Seq
}

// Seq returns the sequence number of the last published envelope.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Wrap builds an envelope carrying the current sequence number without
// consuming one. Used for out-of-band snapshots.
func (s *Stream) Wrap(ev Event) Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Envelope{ChatID: s.chatID, Seq: s.seq, Event: ev}
}

// Subscribe registers a subscriber channel. The returned cancel
// function must be called exactly once when the consumer is done.
func (s *Stream) Subscribe() (<-chan Envelope, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Envelope, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
}

// forward mirrors envelopes onto the watermill firehose topic.
func (s *Stream) forward() {
	for {
		select {
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				logging.Error().Err(err).Str("chatID", s.chatID).Msg("failed to marshal envelope")
				continue
			}
			msg := message.NewMessage(watermill.NewUUID(), data)
			msg.Metadata.Set("chat_id", env.ChatID)
			if err := s.pubsub.Publish(FirehoseTopic, msg); err != nil {
				logging.Warn().Err(err).Str("chatID", s.chatID).Msg("firehose publish failed")
			}
		case <-s.done:
			return
		}
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	close(s.done)
}
