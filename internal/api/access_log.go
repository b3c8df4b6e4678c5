package api

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/metrics"
)

// accessLogWriter wraps http.ResponseWriter to capture the status code
type accessLogWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *accessLogWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *accessLogWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func (rw *accessLogWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the connection for read deadlines.
func (rw *accessLogWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// AccessLogger logs every request and records it in the API metrics.
func AccessLogger(logger *logging.Logger, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clock.Now()
			rw := &accessLogWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			if rw.status == 0 {
				rw.status = http.StatusOK
			}
			duration := clock.Since(start)

			if reg != nil {
				reg.RecordAPIRequest(r.Method, metricPath(r), rw.status, duration.Seconds())
			}
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				return
			}
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", rw.status,
				"size", rw.size,
				"duration", duration.Round(time.Millisecond).String(),
			}
			switch {
			case rw.status >= 500:
				logger.Error("request", args...)
			case rw.status >= 400:
				logger.Warn("request", args...)
			default:
				logger.Debug("request", args...)
			}
		})
	}
}

// metricPath keeps label cardinality bounded: known routes by pattern,
// everything else as "other".
func metricPath(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	return "other"
}
