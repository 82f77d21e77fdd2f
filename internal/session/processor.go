package session

import (
	"context"
	"slices"
	"time"

	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// run is the session's single command consumer. Exactly one run
// goroutine exists per live session; it exits when the session is
// closed or the engine context is canceled.
func (s *Session) run(ctx context.Context, deps Deps) {
	defer func() {
		s.mu.Lock()
		s.processorRunning = false
		s.mu.Unlock()
	}()

	// cond.Wait cannot observe ctx directly, so cancellation wakes the
	// loop through a broadcast.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for {
		req, ok := s.next(ctx, deps)
		if !ok {
			return
		}
		s.dispatch(ctx, deps, req)
		s.maybeSave(ctx, deps, false)
	}
}

// next blocks until a dispatchable command is available. While the
// session is paused only decision and abort commands are eligible, and
// they jump the queue; while it waits on the IDE, only IDE results and
// aborts are. Idle time with unsaved state triggers a debounced
// trajectory save.
func (s *Session) next(ctx context.Context, deps Deps) (CommandRequest, bool) {
	s.mu.Lock()
	for {
		if s.closed || ctx.Err() != nil {
			s.mu.Unlock()
			return CommandRequest{}, false
		}

		switch s.state {
		case types.StatePaused:
			if i := s.scanLocked(isPauseExempt); i >= 0 {
				req := s.takeLocked(i)
				s.mu.Unlock()
				return req, true
			}
		case types.StateWaitingIde:
			if i := s.scanLocked(isIdeExempt); i >= 0 {
				req := s.takeLocked(i)
				s.mu.Unlock()
				return req, true
			}
		case types.StateGenerating, types.StateExecutingTools:
			// Dispatch is synchronous; landing here means a stream is
			// finishing from another goroutine. Wait it out.
		default:
			if len(s.queue) > 0 {
				req := s.takeLocked(0)
				s.mu.Unlock()
				return req, true
			}
			if s.trajectoryDirty {
				if s.saveDueLocked(deps) {
					s.mu.Unlock()
					s.maybeSave(ctx, deps, false)
					s.mu.Lock()
					continue
				}
				s.scheduleSaveWakeLocked(deps)
			}
		}
		s.cond.Wait()
	}
}

// scanLocked returns the index of the first queued command accepted by
// eligible, or -1.
func (s *Session) scanLocked(eligible func(Command) bool) int {
	for i, req := range s.queue {
		if req.Command != nil && eligible(req.Command) {
			return i
		}
	}
	return -1
}

// takeLocked removes and returns the queued command at i, preserving
// the order of the rest.
func (s *Session) takeLocked(i int) CommandRequest {
	req := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	return req
}

func (s *Session) saveDueLocked(deps Deps) bool {
	return deps.SaveDebounce <= 0 || time.Since(s.lastSaveAt) >= deps.SaveDebounce
}

// scheduleSaveWakeLocked arms a one-shot timer so the processor wakes
// once the debounce window elapses.
func (s *Session) scheduleSaveWakeLocked(deps Deps) {
	if s.saveTimer != nil {
		return
	}
	remaining := deps.SaveDebounce - time.Since(s.lastSaveAt)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	s.saveTimer = time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// maybeSave persists the trajectory when it is dirty and, unless
// forced, the debounce window has elapsed. The store call runs outside
// the session lock; the dirty flag clears only when no further mutation
// happened while saving.
func (s *Session) maybeSave(ctx context.Context, deps Deps, force bool) {
	s.mu.Lock()
	if !s.trajectoryDirty {
		s.mu.Unlock()
		return
	}
	if deps.Store == nil {
		s.trajectoryDirty = false
		s.mu.Unlock()
		return
	}
	if !force && !s.saveDueLocked(deps) {
		s.mu.Unlock()
		return
	}

	version := s.trajectoryVersion
	traj := &trajectory.Trajectory{
		ChatID:    s.ChatID,
		Version:   version,
		Thread:    s.thread,
		Messages:  slices.Clone(s.messages),
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()

	if err := deps.Store.Save(ctx, traj); err != nil {
		s.logger().Error().Err(err).Uint64("version", version).Msg("trajectory save failed")
		return
	}

	s.mu.Lock()
	s.lastSaveAt = time.Now()
	if version > s.savedVersion {
		s.savedVersion = version
	}
	if s.trajectoryVersion == s.savedVersion {
		s.trajectoryDirty = false
	}
	s.mu.Unlock()
}
