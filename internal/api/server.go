package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/reflash/internal/accesspoint"
	"grimm.is/reflash/internal/brand"
	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/health"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/metrics"
	"grimm.is/reflash/internal/ratelimit"
	"grimm.is/reflash/internal/services"
	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/system"
	"grimm.is/reflash/internal/update"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns the default timeouts. There is no overall
// read timeout: uploads are bounded per read by the receive timeout.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Server handles recovery requests.
type Server struct {
	Config *config.Config

	table       *flash.Table
	writer      *update.Writer
	store       state.Store
	credentials *accesspoint.Manager
	rebooter    system.Rebooter
	portal      services.Service
	logger      *logging.Logger
	metrics     *metrics.Registry
	clock       clock.Clock
	ws          *WSManager
	health      *health.Checker
	limiter     *ratelimit.Limiter
	locks       *regionLocks

	uploadTarget string
	recvTimeout  time.Duration
	rebootDelay  time.Duration
	resetDelay   time.Duration
	history      int

	rebootMu    sync.Mutex
	rebootTimer clock.Timer
	rebooting   atomic.Bool

	mux *http.ServeMux
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Config      *config.Config
	Table       *flash.Table
	Store       state.Store
	Credentials *accesspoint.Manager
	Rebooter    system.Rebooter
	Portal      services.Service // optional, reported in /healthz
	Logger      *logging.Logger
	Clock       clock.Clock

	// WriterOptions configures the differential writer. Reporter is
	// extended with the metrics gauge and the websocket hub.
	WriterOptions update.Options

	// History is the number of sessions kept in the state store.
	History int
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil || opts.Table == nil || opts.Store == nil {
		return nil, errors.New("api: config, partition table and state store are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}
	rebooter := opts.Rebooter
	if rebooter == nil {
		rebooter = system.NoopRebooter{}
	}
	creds := opts.Credentials
	if creds == nil {
		creds = accesspoint.NewManager(opts.Store, accesspoint.FromConfig(cfg.AccessPoint))
	}
	history := opts.History
	if history <= 0 {
		history = 50
	}

	s := &Server{
		Config:       cfg,
		table:        opts.Table,
		store:        opts.Store,
		credentials:  creds,
		rebooter:     rebooter,
		portal:       opts.Portal,
		logger:       logger,
		metrics:      metrics.Get(),
		clock:        clk,
		ws:           NewWSManager(logger.WithComponent("ws")),
		locks:        newRegionLocks(),
		uploadTarget: cfg.Web.UploadTarget,
		history:      history,
	}

	var err error
	if s.rebootDelay, err = config.ParseDuration(cfg.Web.RebootDelay, 3*time.Second); err != nil {
		return nil, fmt.Errorf("web.reboot_delay: %w", err)
	}
	if s.resetDelay, err = config.ParseDuration(cfg.Web.ResetDelay, time.Second); err != nil {
		return nil, fmt.Errorf("web.reset_delay: %w", err)
	}
	window, err := config.ParseDuration(cfg.Web.DestructiveWindow, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("web.destructive_window: %w", err)
	}
	s.limiter = ratelimit.NewLimiter(cfg.Web.DestructiveLimit, window, clk)
	if cfg.Flash != nil {
		if s.recvTimeout, err = config.ParseDuration(cfg.Flash.RecvTimeout, 0); err != nil {
			return nil, fmt.Errorf("flash.recv_timeout: %w", err)
		}
	}

	wopts := opts.WriterOptions
	wopts.Reporter = update.MultiReporter{wopts.Reporter, s.metrics.ProgressReporter(), s.ws}
	if wopts.Logger == nil {
		wopts.Logger = logging.WithComponent("update")
	}
	if wopts.Clock == nil {
		wopts.Clock = clk
	}
	if s.writer, err = update.NewWriter(wopts); err != nil {
		return nil, err
	}

	s.health = health.NewChecker(5 * time.Second)
	s.health.Register("flash", health.DeviceCheck(opts.Table.Device()))
	s.health.Register("state", health.StoreCheck(opts.Store))
	if opts.Portal != nil {
		s.health.Register(opts.Portal.Name(), health.ServiceCheck(opts.Portal))
	}

	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	destructive := s.limiter.Middleware

	// Recovery interface
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("POST /upload", destructive(http.HandlerFunc(s.handleUpload)))
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("POST /clear", destructive(http.HandlerFunc(s.handleClear)))
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.Handle("POST /reset", destructive(http.HandlerFunc(s.handleReset)))

	// Access point
	mux.HandleFunc("GET /api/wifi", s.handleGetWifi)
	mux.Handle("POST /api/wifi", destructive(http.HandlerFunc(s.handleSetWifi)))
	mux.Handle("DELETE /api/wifi", destructive(http.HandlerFunc(s.handleResetWifi)))

	// History and diagnostics
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/brand", s.handleBrand)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.health.Handler())
	mux.HandleFunc("GET /livez", health.LivenessHandler())

	// Captive portal: anything else goes back to the recovery page.
	mux.HandleFunc("/", s.handleRedirect)
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return AccessLogger(s.logger, s.metrics)(s.mux)
}

// Serve runs the server on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := DefaultServerConfig()
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("recovery server listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()
	s.limiter.StartCleanup(ctx, 10*time.Minute)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	s.ws.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close cancels a pending reboot.
func (s *Server) Close() {
	s.rebootMu.Lock()
	defer s.rebootMu.Unlock()
	if s.rebootTimer != nil {
		s.rebootTimer.Stop()
		s.rebootTimer = nil
	}
}

// scheduleReboot reboots after delay. Only the first request counts.
func (s *Server) scheduleReboot(reason string, delay time.Duration) {
	if !s.rebooting.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("reboot scheduled", "reason", reason, "delay", delay.String())

	s.rebootMu.Lock()
	defer s.rebootMu.Unlock()
	s.rebootTimer = s.clock.AfterFunc(delay, func() {
		if err := s.table.Device().Sync(); err != nil {
			s.logger.Error("flash sync before reboot failed", "error", err)
		}
		if err := s.rebooter.Reboot(reason); err != nil {
			s.logger.Error("reboot failed", "error", err)
			s.rebooting.Store(false)
		}
	})
}

// Health returns the checker behind /healthz so callers can add checks.
func (s *Server) Health() *health.Checker {
	return s.health
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"name":    brand.Name,
		"version": brand.Version,
		"ssid":    brand.Get().AccessPointSSID,
	})
}
