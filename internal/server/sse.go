package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threadcore-ai/threadcore/internal/logging"
)

// sseHeartbeatInterval is the interval for SSE keepalive comments.
const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeData writes one SSE data frame. data must already be JSON.
func (s *sseWriter) writeData(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// chatEvents streams one chat's envelopes. The first frame is a full
// snapshot carrying the current sequence number; subsequent frames are
// live envelopes, so the client can apply everything after the
// snapshot's seq and detect drops by seq gaps.
func (s *Server) chatEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "chatID required")
		return
	}

	sess, err := s.registry.Lookup(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// Subscribe before snapshotting so nothing published in between is
	// missed; envelopes older than the snapshot's seq are skipped below.
	envelopes, cancel := sess.Events().Subscribe()
	defer cancel()

	snapshot := sess.Snapshot()
	data, err := snapshot.MarshalJSON()
	if err != nil {
		logging.Error().Err(err).Str("chatID", chatID).Msg("failed to marshal snapshot")
		return
	}
	if err := sse.writeData(data); err != nil {
		return
	}
	lastSeq := snapshot.Seq

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if env.Seq <= lastSeq {
				continue
			}
			lastSeq = env.Seq
			data, err := env.MarshalJSON()
			if err != nil {
				logging.Error().Err(err).Str("chatID", chatID).Msg("failed to marshal envelope")
				continue
			}
			if err := sse.writeData(data); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// firehoseEvents streams every chat's envelopes from the shared
// transport topic.
func (s *Server) firehoseEvents(w http.ResponseWriter, r *http.Request) {
	messages, err := s.bus.SubscribeFirehose(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			err := sse.writeData(msg.Payload)
			msg.Ack()
			if err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
