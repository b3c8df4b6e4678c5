package api

import (
	"net/http"
	"strconv"
	"strings"

	"grimm.is/reflash/internal/logging"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// handleLogs returns buffered log entries.
// GET /api/logs[?limit=&level=&component=&search=]
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	minRank := 0
	if level := q.Get("level"); level != "" {
		rank, ok := levelRank[strings.ToLower(level)]
		if !ok {
			WriteError(w, http.StatusBadRequest, "Invalid level")
			return
		}
		minRank = rank
	}
	component := strings.ToLower(q.Get("component"))
	search := strings.ToLower(q.Get("search"))

	entries := logging.AppBuffer().Filter(limit, func(e logging.Entry) bool {
		if levelRank[e.Level] < minRank {
			return false
		}
		if component != "" && e.Component != component {
			return false
		}
		return search == "" || strings.Contains(strings.ToLower(e.Message), search)
	})
	if entries == nil {
		entries = []logging.Entry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}
