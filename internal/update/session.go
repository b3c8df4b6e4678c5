package update

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"grimm.is/reflash/internal/flash"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateFlushing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateFlushing:
		return "flushing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// Session is one differential write of a stream into a region.
//
// A Session is driven by exactly one goroutine through Writer.Run. Its
// counters may be read concurrently via Snapshot.
type Session struct {
	ID      string
	Region  string
	Total   int64
	Started time.Time

	region  flash.Region
	claimed atomic.Bool
	state   atomic.Int32

	received     atomic.Int64
	compared     atomic.Int64
	skipped      atomic.Int64
	written      atomic.Int64
	runs         atomic.Int64
	bytesErased  atomic.Int64
	readFailures atomic.Int64

	offset   int64
	runStart int64
	acc      []byte
	dirty    *roaring.Bitmap
	err      error
}

func newSession(region flash.Region, total int64) *Session {
	return &Session{
		ID:     uuid.NewString(),
		Region: region.Label(),
		Total:  total,
		region: region,
		dirty:  roaring.New(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the failure of a failed session.
func (s *Session) Err() error { return s.err }

func (s *Session) setState(to State) {
	if s.State().Terminal() {
		return
	}
	s.state.Store(int32(to))
}

func (s *Session) runOpen() bool { return len(s.acc) > 0 }

// Result summarises a finished or running session.
type Result struct {
	ID            string    `json:"id"`
	Region        string    `json:"region"`
	State         State     `json:"state"`
	Total         int64     `json:"total"`
	Received      int64     `json:"received"`
	PagesCompared int64     `json:"pages_compared"`
	PagesSkipped  int64     `json:"pages_skipped"`
	PagesWritten  int64     `json:"pages_written"`
	RunsFlushed   int64     `json:"runs_flushed"`
	BytesErased   int64     `json:"bytes_erased"`
	ReadFailures  int64     `json:"read_failures"`
	DirtyUnits    []uint32  `json:"dirty_units,omitempty"`
	Started       time.Time `json:"started"`
	DurationMS    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	Phase         Phase     `json:"phase,omitempty"`
}

// Snapshot returns the live counters. DirtyUnits is only populated in the
// Result returned by Writer.Run.
func (s *Session) Snapshot() Result {
	return Result{
		ID:            s.ID,
		Region:        s.Region,
		State:         s.State(),
		Total:         s.Total,
		Received:      s.received.Load(),
		PagesCompared: s.compared.Load(),
		PagesSkipped:  s.skipped.Load(),
		PagesWritten:  s.written.Load(),
		RunsFlushed:   s.runs.Load(),
		BytesErased:   s.bytesErased.Load(),
		ReadFailures:  s.readFailures.Load(),
		Started:       s.Started,
	}
}

func (s *Session) progress() Progress {
	return Progress{
		SessionID:     s.ID,
		Region:        s.Region,
		State:         s.State(),
		BytesReceived: s.received.Load(),
		BytesTotal:    s.Total,
		PagesCompared: s.compared.Load(),
		PagesWritten:  s.written.Load(),
	}
}
