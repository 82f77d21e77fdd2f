package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

func TestLookupCreatesOnce(t *testing.T) {
	r := newTestRegistry(t, Deps{})

	a, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	b, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.Lookup(context.Background(), "chat2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	assert.ElementsMatch(t, []string{"chat1", "chat2"}, r.List())
}

func TestLookupRehydratesFromStore(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &trajectory.Trajectory{
		ChatID:  "chat1",
		Version: 9,
		Thread:  types.Thread{Model: "claude-opus-4", Title: "Old chat", TitleGenerated: true},
		Messages: []types.Message{
			{ID: "m1", Role: types.RoleUser, Content: "remember me"},
		},
	}))

	r := newTestRegistry(t, Deps{Store: store})
	s, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)

	assert.Equal(t, "Old chat", s.Thread().Title)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "remember me", msgs[0].Content)

	s.mu.Lock()
	assert.Equal(t, uint64(9), s.trajectoryVersion)
	assert.Equal(t, uint64(9), s.savedVersion)
	s.mu.Unlock()
}

func TestLookupFreshSessionUsesDefaults(t *testing.T) {
	r := newTestRegistry(t, Deps{Store: newMemStore()})
	s, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Equal(t, "test-model", s.Thread().Model)
	assert.Equal(t, types.StateIdle, s.Runtime().State)
}

func TestEnqueueDuplicateThroughRegistry(t *testing.T) {
	r := newTestRegistry(t, Deps{Generator: echoGen})
	ctx := context.Background()

	req := CommandRequest{ClientRequestID: "r1", Command: &UserMessage{Content: "hi"}}
	dup, err := r.Enqueue(ctx, "chat1", req)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = r.Enqueue(ctx, "chat1", req)
	require.NoError(t, err)
	assert.True(t, dup)

	s, err := r.Lookup(ctx, "chat1")
	require.NoError(t, err)
	waitState(t, s, types.StateIdle)
	assert.Len(t, s.Messages(), 2, "duplicate must not be dispatched")
}

func TestReapIdleSession(t *testing.T) {
	store := newMemStore()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	r := NewRegistry(bus, Deps{Generator: echoGen, Store: store}, testThread())
	t.Cleanup(r.Close)

	_, err := r.Enqueue(context.Background(), "chat1", CommandRequest{Command: &UserMessage{Content: "hi"}})
	require.NoError(t, err)

	s, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	waitState(t, s, types.StateIdle)

	// Nothing idle long enough yet.
	r.reap(time.Hour)
	assert.Contains(t, r.List(), "chat1")

	r.reap(0)
	assert.NotContains(t, r.List(), "chat1")
	assert.True(t, s.Closed())

	// The trajectory survived the reap.
	traj, err := store.Load(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Len(t, traj.Messages, 2)

	// The next command materializes a fresh session from the store.
	recreated, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	assert.NotSame(t, s, recreated)
	assert.Len(t, recreated.Messages(), 2)
}

func TestReapSkipsBusySessions(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, s *Session, h *StreamHandle) error {
		close(started)
		<-release
		h.Finish(FinishStop)
		return nil
	})
	r := newTestRegistry(t, Deps{Generator: gen})

	_, err := r.Enqueue(context.Background(), "chat1", CommandRequest{Command: &UserMessage{Content: "hi"}})
	require.NoError(t, err)
	<-started

	r.reap(0)
	assert.Contains(t, r.List(), "chat1", "generating session must not be reaped")
	close(release)
}

func TestProcessorRestartsAfterExit(t *testing.T) {
	r := newTestRegistry(t, Deps{Generator: echoGen})
	ctx := context.Background()

	_, err := r.Enqueue(ctx, "chat1", CommandRequest{Command: &UserMessage{Content: "one"}})
	require.NoError(t, err)
	s, err := r.Lookup(ctx, "chat1")
	require.NoError(t, err)
	waitState(t, s, types.StateIdle)

	// Later commands must be consumed even if the original processor
	// goroutine has since parked or exited.
	_, err = r.Enqueue(ctx, "chat1", CommandRequest{Command: &UserMessage{Content: "two"}})
	require.NoError(t, err)
	waitState(t, s, types.StateIdle)
	assert.Len(t, s.Messages(), 4)
}

func TestRegistryCloseSavesDirtySessions(t *testing.T) {
	store := newMemStore()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	r := NewRegistry(bus, Deps{Generator: echoGen, Store: store}, testThread())

	_, err := r.Enqueue(context.Background(), "chat1", CommandRequest{Command: &UserMessage{Content: "hi"}})
	require.NoError(t, err)
	s, err := r.Lookup(context.Background(), "chat1")
	require.NoError(t, err)
	waitState(t, s, types.StateIdle)

	r.Close()

	traj, err := store.Load(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Len(t, traj.Messages, 2)

	_, err = r.Lookup(context.Background(), "chat1")
	assert.ErrorIs(t, err, ErrClosed)
}
