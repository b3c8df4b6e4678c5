package update

import (
	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/logging"
)

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID     string `json:"session_id"`
	Region        string `json:"region"`
	State         State  `json:"state"`
	BytesReceived int64  `json:"bytes_received"`
	BytesTotal    int64  `json:"bytes_total"`
	PagesCompared int64  `json:"pages_compared"`
	PagesWritten  int64  `json:"pages_written"`
}

// Percent returns received/total as a percentage.
func (p Progress) Percent() float64 {
	if p.BytesTotal == 0 {
		return 100
	}
	return float64(p.BytesReceived) * 100 / float64(p.BytesTotal)
}

// Reporter receives progress at a fixed byte interval and once when the
// session ends. Report is called on the writing goroutine and must not block.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// MultiReporter fans a report out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(p Progress) {
	for _, r := range m {
		if r != nil {
			r.Report(p)
		}
	}
}

// LogReporter writes progress lines to a logger.
type LogReporter struct {
	Logger *logging.Logger
}

func (r LogReporter) Report(p Progress) {
	l := r.Logger
	if l == nil {
		l = logging.WithComponent("update")
	}
	l.Info("upload progress",
		"region", p.Region,
		"state", p.State.String(),
		"received", humanize.IBytes(uint64(p.BytesReceived)),
		"total", humanize.IBytes(uint64(p.BytesTotal)),
		"percent", humanize.FtoaWithDigits(p.Percent(), 1),
		"pages_written", p.PagesWritten)
}
