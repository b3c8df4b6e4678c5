package api

import (
	"errors"
	"net/http"

	"grimm.is/reflash/internal/accesspoint"
)

// handleGetWifi returns the effective credentials without the password.
// GET /api/wifi
func (s *Server) handleGetWifi(w http.ResponseWriter, r *http.Request) {
	c, err := s.credentials.Load()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load credentials", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, c.Redacted())
}

// handleSetWifi saves new credentials. They apply on the next boot.
// POST /api/wifi {"ssid", "password", "authmode"}
func (s *Server) handleSetWifi(w http.ResponseWriter, r *http.Request) {
	var c accesspoint.Credentials
	if err := decodeJSON(w, r, &c); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if err := s.credentials.Save(c); err != nil {
		if errors.Is(err, accesspoint.ErrInvalid) {
			WriteError(w, http.StatusBadRequest, "Invalid credentials", err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to save credentials", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Credentials saved"})
}

// handleResetWifi restores the configured defaults.
// DELETE /api/wifi
func (s *Server) handleResetWifi(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Reset(); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to reset credentials", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Credentials reset"})
}
