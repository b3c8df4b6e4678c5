package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/update"
)

// handleSessions lists recent update sessions, newest first.
// GET /api/sessions[?limit=N]
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.store.Recent(state.BucketSessions, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to read sessions", err.Error())
		return
	}
	results := make([]update.Result, 0, len(entries))
	for _, e := range entries {
		var res update.Result
		if err := json.Unmarshal(e.Value, &res); err != nil {
			s.logger.Warn("skipping unreadable session record", "key", e.Key, "error", err)
			continue
		}
		results = append(results, res)
	}
	WriteJSON(w, http.StatusOK, results)
}

// handleSession returns one session.
// GET /api/sessions/{id}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var res update.Result
	err := s.store.GetJSON(state.BucketSessions, r.PathValue("id"), &res)
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Session not found")
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "Failed to read session", err.Error())
	default:
		WriteJSON(w, http.StatusOK, res)
	}
}
