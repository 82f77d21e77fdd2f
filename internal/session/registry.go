package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/logging"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Registry owns the live sessions: lookup-or-create, command routing,
// and idle reaping. Sessions materialize on first touch, rehydrated
// from the trajectory store when a persisted trajectory exists.
type Registry struct {
	bus      *event.Bus
	deps     Deps
	defaults types.Thread

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry builds a registry. defaults seeds the thread parameters
// of sessions created without a persisted trajectory.
func NewRegistry(bus *event.Bus, deps Deps, defaults types.Thread) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		bus:      bus,
		deps:     deps,
		defaults: defaults,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Lookup returns the session for chatID, creating it on first use.
func (r *Registry) Lookup(ctx context.Context, chatID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[chatID]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrClosed
	}

	// Build outside the lock; rehydration may hit disk.
	var traj *trajectory.Trajectory
	if r.deps.Store != nil {
		loaded, err := r.deps.Store.Load(ctx, chatID)
		switch {
		case err == nil:
			traj = loaded
		case errors.Is(err, trajectory.ErrNotFound):
		default:
			return nil, err
		}
	}
	fresh := newSession(chatID, r.bus.Stream(chatID), r.defaults, traj)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if existing, ok := r.sessions[chatID]; ok {
		// Lost the race; the winner's session is the canonical one.
		return existing, nil
	}
	r.sessions[chatID] = fresh
	regLog := logging.Component("registry")
	regLog.Debug().Str("chatID", chatID).Bool("rehydrated", traj != nil).Msg("session created")
	return fresh, nil
}

// Enqueue routes a command to its session, creating the session if
// needed, and ensures a processor goroutine is consuming its queue.
func (r *Registry) Enqueue(ctx context.Context, chatID string, req CommandRequest) (duplicate bool, err error) {
	s, err := r.Lookup(ctx, chatID)
	if err != nil {
		return false, err
	}
	duplicate, err = s.Enqueue(req)
	if err != nil {
		return false, err
	}
	r.ensureProcessor(s)
	return duplicate, nil
}

// ensureProcessor starts the session's consumer goroutine if none is
// running.
func (r *Registry) ensureProcessor(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processorRunning || s.closed {
		return
	}
	s.processorRunning = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run(r.ctx, r.deps)
	}()
}

// List returns the chat ids of the live sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StartCleanup launches the idle reaper: every interval, sessions that
// sat Idle with an empty queue for longer than idleTimeout are saved,
// their streams dropped, and their memory released. History stays in
// the trajectory store; the next command recreates the session.
func (r *Registry) StartCleanup(interval, idleTimeout time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reap(idleTimeout)
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) reap(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)

	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if s.idleSince(cutoff) {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.close()
		s.maybeSave(r.ctx, r.deps, true)
		r.bus.Drop(s.ChatID)
		regLog := logging.Component("registry")
		regLog.Info().Str("chatID", s.ChatID).Msg("idle session reaped")
	}
}

// Close shuts the registry down: processors stop, every dirty session
// is force-saved, streams are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.cancel()
	r.wg.Wait()

	for _, s := range sessions {
		s.maybeSave(context.Background(), r.deps, true)
		r.bus.Drop(s.ChatID)
	}
}
