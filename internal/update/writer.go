// Package update implements the differential writer: it streams an image
// into a flash region one erase unit at a time and only erases and programs
// the units whose content changed.
//
// Consecutive changed units are accumulated into a dirty run which is flushed
// (erase span, then program span) when the accumulation buffer is full, when
// an unchanged unit closes the run, or at the end of the stream. Failures are
// not rolled back: runs flushed before the failure stay written.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/logging"
)

// ErrSessionStarted is returned when Run is called twice on one Session.
var ErrSessionStarted = errors.New("session already started")

// Writer runs differential write sessions. It holds no per-session state and
// may be shared; callers must not run two sessions against the same region
// at once.
type Writer struct {
	opts     Options
	reporter Reporter
	log      *logging.Logger
	clock    clock.Clock
}

// NewWriter validates opts and returns a Writer.
func NewWriter(opts Options) (*Writer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		opts:     opts,
		reporter: opts.Reporter,
		log:      opts.Logger,
		clock:    opts.Clock,
	}
	if w.reporter == nil {
		w.reporter = MultiReporter(nil)
	}
	if w.log == nil {
		w.log = logging.WithComponent("update")
	}
	if w.clock == nil {
		w.clock = clock.Real
	}
	return w, nil
}

// Options returns the writer configuration.
func (w *Writer) Options() Options { return w.opts }

// NewSession prepares a session writing total bytes into region.
func (w *Writer) NewSession(region flash.Region, total int64) *Session {
	return newSession(region, total)
}

// WriteStream is NewSession followed by Run.
func (w *Writer) WriteStream(ctx context.Context, region flash.Region, src io.Reader, total int64) (*Result, error) {
	return w.Run(ctx, w.NewSession(region, total), src)
}

// Run consumes exactly s.Total bytes from src and brings the first s.Total
// bytes of the region in line with them. The returned Result is non-nil
// whenever the session was started, including on failure.
//
// ctx is checked between units; a flush in progress is never interrupted.
func (w *Writer) Run(ctx context.Context, s *Session, src io.Reader) (*Result, error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, ErrSessionStarted
	}
	s.Started = w.clock.Now()
	log := w.log.WithFields(map[string]any{"session": s.ID, "region": s.Region})

	if err := w.precheck(s); err != nil {
		return w.finish(log, s, err)
	}
	if s.Total == 0 {
		return w.finish(log, s, nil)
	}

	s.setState(StateReceiving)
	log.Info("update started", "size", humanize.IBytes(uint64(s.Total)))

	unit := int64(w.opts.EraseUnit)
	page := make([]byte, unit)
	cur := make([]byte, unit)
	s.acc = make([]byte, 0, w.opts.BufferSize())
	nextReport := w.opts.ProgressInterval

	for s.offset < s.Total {
		if err := ctx.Err(); err != nil {
			return w.finish(log, s, failure(PhaseReceive, s.offset, ErrStreamIncomplete, err))
		}

		want := min(unit, s.Total-s.offset)
		if _, err := io.ReadFull(src, page[:want]); err != nil {
			return w.finish(log, s, failure(PhaseReceive, s.offset, receiveFailure(err), err))
		}
		for i := want; i < unit; i++ {
			page[i] = w.opts.ErasedValue
		}
		s.received.Add(want)
		s.compared.Add(1)
		last := s.offset+want == s.Total

		if w.differs(log, s, page[:want], cur[:want]) {
			if !s.runOpen() {
				s.runStart = s.offset
			}
			s.acc = append(s.acc, page...)
			if len(s.acc) == cap(s.acc) || last {
				if err := w.flush(log, s); err != nil {
					return w.finish(log, s, err)
				}
			}
		} else {
			s.skipped.Add(1)
			if s.runOpen() {
				if err := w.flush(log, s); err != nil {
					return w.finish(log, s, err)
				}
			}
		}
		s.offset += unit

		if w.opts.ProgressInterval > 0 && s.received.Load() >= nextReport {
			w.reporter.Report(s.progress())
			for nextReport <= s.received.Load() {
				nextReport += w.opts.ProgressInterval
			}
		}
	}

	if s.runOpen() {
		if err := w.flush(log, s); err != nil {
			return w.finish(log, s, err)
		}
	}
	return w.finish(log, s, nil)
}

func (w *Writer) precheck(s *Session) error {
	size := s.region.Size()
	switch {
	case s.Total < 0:
		return failure(PhaseValidate, 0, ErrPayloadTooLarge, fmt.Errorf("negative length %d", s.Total))
	case s.Total > size:
		return failure(PhaseValidate, 0, ErrPayloadTooLarge,
			fmt.Errorf("%d bytes exceeds region %s of %d bytes", s.Total, s.Region, size))
	case s.Total > w.opts.MaxTransfer:
		return failure(PhaseValidate, 0, ErrPayloadTooLarge,
			fmt.Errorf("%d bytes exceeds transfer limit of %d bytes", s.Total, w.opts.MaxTransfer))
	case size%int64(w.opts.EraseUnit) != 0:
		return failure(PhaseValidate, 0, ErrRegionMisaligned,
			fmt.Errorf("region %s size %d, erase unit %d", s.Region, size, w.opts.EraseUnit))
	}
	return nil
}

// differs compares the received bytes against the region. A failed read
// counts as a difference.
func (w *Writer) differs(log *logging.Logger, s *Session, page, cur []byte) bool {
	if err := s.region.Read(s.offset, cur); err != nil {
		s.readFailures.Add(1)
		log.Warn("compare read failed, rewriting unit", "offset", s.offset, "error", err)
		return true
	}
	return !bytes.Equal(page, cur)
}

// flush erases the open run's span and programs the accumulation buffer
// into it, then closes the run.
func (w *Writer) flush(log *logging.Logger, s *Session) error {
	s.setState(StateFlushing)
	start, n := s.runStart, int64(len(s.acc))

	if err := s.region.Erase(start, n); err != nil {
		return failure(PhaseErase, start, ErrStorageErase, err)
	}
	if err := s.region.Write(start, s.acc); err != nil {
		return failure(PhaseWrite, start, ErrStorageWrite, err)
	}
	if w.opts.Verify {
		back := make([]byte, n)
		if err := s.region.Read(start, back); err != nil {
			return failure(PhaseVerify, start, ErrStorageRead, err)
		}
		if !bytes.Equal(back, s.acc) {
			return failure(PhaseVerify, start, ErrStorageWrite, errors.New("read-back mismatch"))
		}
	}

	unit := int64(w.opts.EraseUnit)
	units := n / unit
	s.written.Add(units)
	s.runs.Add(1)
	s.bytesErased.Add(n)
	s.dirty.AddRange(uint64(start/unit), uint64(start/unit+units))
	log.Debug("flushed run", "offset", start, "units", units, "size", humanize.IBytes(uint64(n)))

	s.acc = s.acc[:0]
	s.setState(StateReceiving)
	return nil
}

func (w *Writer) finish(log *logging.Logger, s *Session, err error) (*Result, error) {
	if err != nil {
		s.err = err
		s.setState(StateFailed)
	} else {
		s.setState(StateComplete)
	}
	s.acc = nil

	res := s.Snapshot()
	res.DurationMS = w.clock.Since(s.Started).Milliseconds()
	res.DirtyUnits = s.dirty.ToArray()
	w.reporter.Report(s.progress())

	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			res.Phase = se.Phase
		}
		res.Error = err.Error()
		log.Error("update failed", "error", err,
			"received", res.Received, "pages_written", res.PagesWritten)
		return &res, err
	}

	log.Info("update complete",
		"compared", res.PagesCompared,
		"skipped", res.PagesSkipped,
		"written", res.PagesWritten,
		"runs", res.RunsFlushed,
		"erased", humanize.IBytes(uint64(res.BytesErased)),
		"duration_ms", res.DurationMS)
	return &res, nil
}

// receiveFailure classifies a stream read error.
func receiveFailure(err error) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return ErrStreamTimeout
	}
	return ErrStreamIncomplete
}
