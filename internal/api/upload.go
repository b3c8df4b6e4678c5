package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/update"
)

// regionLocks is a set of per-region try-locks.
type regionLocks struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newRegionLocks() *regionLocks {
	return &regionLocks{busy: make(map[string]bool)}
}

// tryLock claims label, returning the release func, or false if it is busy.
func (l *regionLocks) tryLock(label string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[label] {
		return nil, false
	}
	l.busy[label] = true
	return func() {
		l.mu.Lock()
		delete(l.busy, label)
		l.mu.Unlock()
	}, true
}

// deadlineReader pushes the connection read deadline forward before every
// read so that a stalled client fails the read instead of hanging.
type deadlineReader struct {
	rc      *http.ResponseController
	r       io.Reader
	timeout time.Duration
}

func newDeadlineReader(w http.ResponseWriter, r io.Reader, timeout time.Duration) io.Reader {
	if timeout <= 0 {
		return r
	}
	return &deadlineReader{rc: http.NewResponseController(w), r: r, timeout: timeout}
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.rc.SetReadDeadline(time.Now().Add(d.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return 0, err
	}
	return d.r.Read(p)
}

// target resolves the upload region: ?label=, then web.upload_target, then
// the first OTA app partition.
func (s *Server) target(label string) (*flash.Partition, error) {
	if label == "" {
		label = s.uploadTarget
	}
	if label == "" {
		return s.table.DefaultUpdateTarget()
	}
	return s.table.Find(label)
}

// handleUpload streams the request body through the differential writer.
// POST /upload[?label=<region>]
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	part, err := s.target(label)
	if err != nil {
		if label != "" {
			writeText(w, http.StatusNotFound, "Partition not found")
		} else {
			writeText(w, http.StatusInternalServerError, "OTA partition not found")
		}
		return
	}
	if r.ContentLength < 0 {
		writeText(w, http.StatusLengthRequired, "Content-Length required")
		return
	}

	unlock, ok := s.locks.tryLock(part.Label())
	if !ok {
		writeText(w, http.StatusConflict, "Partition busy")
		return
	}
	defer unlock()

	body := newDeadlineReader(w, r.Body, s.recvTimeout)
	s.metrics.ActiveSessions.Inc()
	res, err := s.writer.WriteStream(r.Context(), part, body, r.ContentLength)
	s.metrics.ActiveSessions.Dec()
	s.recordSession(res, err)

	if res != nil {
		w.Header().Set("X-Session-Id", res.ID)
	}
	if err != nil {
		code, msg := uploadFailure(err)
		writeText(w, code, msg)
		return
	}

	if part.Info().Kind != flash.KindApp {
		writeText(w, http.StatusOK, fmt.Sprintf("Upload complete: %d bytes written to %s.", res.Received, part.Label()))
		return
	}

	sel := state.BootSelection{Label: part.Label(), SessionID: res.ID, UpdatedAt: s.clock.Now()}
	if err := state.SetBoot(s.store, sel); err != nil {
		s.logger.Error("failed to set boot partition", "label", part.Label(), "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to set boot partition")
		return
	}
	s.logger.Info("boot partition set", "label", part.Label(), "session", res.ID)

	writeText(w, http.StatusOK, fmt.Sprintf("Firmware uploaded successfully! Device will reboot in %s.", humanDelay(s.rebootDelay)))
	s.scheduleReboot("update of "+part.Label(), s.rebootDelay)
}

// uploadFailure maps a session error to a status and message.
func uploadFailure(err error) (int, string) {
	switch {
	case errors.Is(err, update.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "Firmware too large"
	case errors.Is(err, update.ErrStreamIncomplete), errors.Is(err, update.ErrStreamTimeout):
		return http.StatusInternalServerError, "Upload incomplete"
	case errors.Is(err, update.ErrStorageErase):
		return http.StatusInternalServerError, "Failed to erase partition"
	case errors.Is(err, update.ErrStorageWrite), errors.Is(err, update.ErrStorageRead):
		return http.StatusInternalServerError, "Write failed"
	}
	return http.StatusInternalServerError, "Update failed"
}

// recordSession stores the result, prunes history and publishes it.
func (s *Server) recordSession(res *update.Result, err error) {
	if res == nil {
		return
	}
	s.metrics.ObserveResult(res, err)
	s.ws.Publish(TopicSession, res)

	if err := s.store.SetJSON(state.BucketSessions, res.ID, res); err != nil {
		s.logger.Error("failed to record session", "session", res.ID, "error", err)
		return
	}
	if _, err := s.store.Prune(state.BucketSessions, s.history); err != nil {
		s.logger.Warn("failed to prune session history", "error", err)
	}
}

// humanDelay formats whole seconds as "3 seconds".
func humanDelay(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", secs)
}
