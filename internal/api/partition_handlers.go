package api

import (
	"fmt"
	"net/http"
	"strconv"

	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/state"
)

// PartitionStatus describes one partition in GET /status.
type PartitionStatus struct {
	Label       string `json:"label"`
	Address     string `json:"address"`
	Size        int64  `json:"size"`
	Type        uint8  `json:"type"`
	Subtype     uint8  `json:"subtype"`
	SubtypeName string `json:"subtype_name"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Partitions []PartitionStatus `json:"partitions"`
	NextBoot   string            `json:"next_boot,omitempty"`
}

// listed reports whether a partition is shown by /status: OTA app slots
// and SPIFFS data, never the factory app.
func listed(i flash.Info) bool {
	return i.IsOTA() || (i.Kind == flash.KindData && i.Subtype == flash.SubtypeSPIFFS)
}

// handleStatus lists the user-serviceable partitions.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Partitions: []PartitionStatus{}}
	for _, p := range s.table.Select(listed) {
		info := p.Info()
		resp.Partitions = append(resp.Partitions, PartitionStatus{
			Label:       info.Label,
			Address:     "0x" + strconv.FormatInt(info.Address, 16),
			Size:        info.Size,
			Type:        uint8(info.Kind),
			Subtype:     uint8(info.Subtype),
			SubtypeName: flash.SubtypeName(info.Kind, info.Subtype),
		})
	}
	if sel, ok, err := state.GetBoot(s.store); err != nil {
		s.logger.Warn("failed to read boot selection", "error", err)
	} else if ok {
		resp.NextBoot = sel.Label
	}
	WriteJSON(w, http.StatusOK, resp)
}

type clearRequest struct {
	Label string `json:"label"`
}

// handleClear erases a whole partition.
// POST /clear {"label": "<region>"}
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Label == "" {
		WriteError(w, http.StatusBadRequest, "Invalid request", "expected {\"label\": \"<partition>\"}")
		return
	}
	part, err := s.table.Find(req.Label)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Partition not found")
		return
	}

	unlock, ok := s.locks.tryLock(part.Label())
	if !ok {
		WriteError(w, http.StatusConflict, "Partition busy")
		return
	}
	defer unlock()

	s.logger.Info("clearing partition", "label", part.Label(), "size", part.Size())
	if err := part.Erase(0, part.Size()); err != nil {
		s.logger.Error("failed to erase partition", "label", part.Label(), "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to erase partition")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Partition cleared"})
}

// handleDownload streams a partition in erase-unit chunks.
// GET /download?label=<region>
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		writeText(w, http.StatusBadRequest, "Missing label")
		return
	}
	part, err := s.table.Find(label)
	if err != nil {
		writeText(w, http.StatusNotFound, "Partition not found")
		return
	}

	unlock, ok := s.locks.tryLock(part.Label())
	if !ok {
		writeText(w, http.StatusConflict, "Partition busy")
		return
	}
	defer unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "partition_"+part.Label()+".bin"))
	w.Header().Set("Content-Length", strconv.FormatInt(part.Size(), 10))

	buf := make([]byte, part.EraseUnit())
	var sent int64
	for sent < part.Size() {
		n := min(int64(len(buf)), part.Size()-sent)
		if err := part.Read(sent, buf[:n]); err != nil {
			// Headers are gone; abort the connection so the client sees a
			// short body rather than a truncated file.
			s.logger.Error("partition read failed during download", "label", part.Label(), "offset", sent, "error", err)
			panic(http.ErrAbortHandler)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			s.logger.Warn("download aborted by client", "label", part.Label(), "sent", sent)
			return
		}
		sent += n
	}
	s.logger.Info("partition download complete", "label", part.Label(), "bytes", sent)
}

// handleReset reboots after the reset delay.
// POST /reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("reset requested", "remote", r.RemoteAddr)
	writeText(w, http.StatusOK, "Device is rebooting...")
	s.scheduleReboot("reset request", s.resetDelay)
}

// handleRedirect sends unknown paths to the recovery page.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Location", "/")
	writeText(w, http.StatusSeeOther, "Redirect to recovery interface")
}
