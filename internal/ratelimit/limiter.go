// Package ratelimit throttles destructive requests per client.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"grimm.is/reflash/internal/clock"
)

// Limiter allows Limit requests per key in each Window.
type Limiter struct {
	Limit  int
	Window time.Duration

	clock   clock.Clock
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	used    int
	started time.Time
}

// NewLimiter returns a limiter. A non-positive limit disables limiting.
func NewLimiter(limit int, win time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real
	}
	return &Limiter{Limit: limit, Window: win, clock: clk, windows: make(map[string]*window)}
}

// Allow consumes one request for key. When denied it also returns how long
// until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.Limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.started) >= l.Window {
		w = &window{started: now}
		l.windows[key] = w
	}
	if w.used >= l.Limit {
		return false, w.started.Add(l.Window).Sub(now)
	}
	w.used++
	return true, 0
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// CleanupExpired drops keys whose window has ended.
func (l *Limiter) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, w := range l.windows {
		if now.Sub(w.started) >= l.Window {
			delete(l.windows, key)
		}
	}
}

// StartCleanup runs CleanupExpired every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.CleanupExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(ClientIP(r))
		if !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
