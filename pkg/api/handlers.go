package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/session"
)

type createSessionRequest struct {
	WorkDir  string `json:"cwd"`
	Provider string `json:"provider,omitempty"`
	Mode     string `json:"permissionMode,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Resume   string `json:"resume,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.WorkDir == "" {
		respondError(w, http.StatusBadRequest, errors.New("cwd is required"))
		return
	}
	mode, err := approval.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.registry.Create(session.CreateOptions{
		WorkDir:  req.WorkDir,
		Provider: req.Provider,
		Mode:     mode,
		Prompt:   req.Prompt,
		Resume:   req.Resume,
	})
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	metricSessionsCreated.Inc()
	metricActiveSessions.Set(float64(s.registry.Live()))
	respondJSONStatus(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.registry.List(r.URL.Query().Get("cwd"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{"sessions": snaps})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Detail(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(chi.URLParam(r, "id")); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	metricActiveSessions.Set(float64(s.registry.Live()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	before := parseIntDefault(r.URL.Query().Get("before"), -1)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	msgs, err := s.registry.SessionMessages(chi.URLParam(r, "id"), before, limit)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{"messages": msgs})
}

func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.Tasks(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, map[string]any{"tasks": list})
}

// statusForError maps registry sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrModeChangeWhileRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrBypassNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, session.ErrApprovalMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// respondJSON sends a JSON response with cache and sniffing guards.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondJSONStatus is respondJSON with an explicit status code.
func respondJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		response.Error = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(response)
}
