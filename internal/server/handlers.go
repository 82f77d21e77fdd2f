package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/threadcore-ai/threadcore/internal/session"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"chats": s.registry.List()})
}

// postCommand enqueues one command for a chat. Duplicate client request
// ids are rejected with 409 so retrying clients can tell the command
// already landed.
func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "chatID required")
		return
	}

	var req session.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	duplicate, err := s.registry.Enqueue(r.Context(), chatID, req)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusConflict, ErrCodeSessionClosed, "session is closed")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if duplicate {
		writeError(w, http.StatusConflict, ErrCodeDuplicateRequest, "client request id already seen")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// chatSnapshot returns the chat's full state with the sequence number
// of the last emitted event.
func (s *Server) chatSnapshot(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
