package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one buffered log record.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// RingBuffer is a thread-safe circular buffer of recent log entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest once full.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Last returns up to n most recent entries in chronological order.
// n <= 0 returns everything buffered.
func (rb *RingBuffer) Last(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]Entry, n)
	size := len(rb.entries)
	start := (rb.head - n + size) % size
	for i := range n {
		out[i] = rb.entries[(start+i)%size]
	}
	return out
}

// Filter returns up to limit most recent entries for which keep returns true.
func (rb *RingBuffer) Filter(limit int, keep func(Entry) bool) []Entry {
	all := rb.Last(0)
	var out []Entry
	for i := len(all) - 1; i >= 0; i-- {
		if keep(all[i]) {
			out = append(out, all[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of entries in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

var (
	appBuffer     *RingBuffer
	appBufferOnce sync.Once
)

// AppBuffer returns the process-wide log buffer.
func AppBuffer() *RingBuffer {
	appBufferOnce.Do(func() {
		appBuffer = NewRingBuffer(2000)
	})
	return appBuffer
}

// LevelName converts slog.Level to its lower-case name.
func LevelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// bufferHandler tees enabled records into a RingBuffer before passing them on.
type bufferHandler struct {
	next  slog.Handler
	buf   *RingBuffer
	attrs []slog.Attr
}

func newBufferHandler(next slog.Handler, buf *RingBuffer) *bufferHandler {
	return &bufferHandler{next: next, buf: buf}
}

func (h *bufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Timestamp: r.Time,
		Level:     LevelName(r.Level),
		Component: componentOf(h.attrs, r),
		Message:   r.Message,
	}
	fields := make(map[string]string)
	collect := func(a slog.Attr) bool {
		if a.Key != "component" {
			fields[a.Key] = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if len(fields) > 0 {
		e.Fields = fields
	}
	if e.Component == "" {
		e.Component = "system"
	}
	e.Component = strings.ToLower(e.Component)
	h.buf.Add(e)

	return h.next.Handle(ctx, r)
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bufferHandler{next: h.next.WithAttrs(attrs), buf: h.buf, attrs: merged}
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	return &bufferHandler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs}
}
