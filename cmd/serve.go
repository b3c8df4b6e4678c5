package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/reflash/internal/accesspoint"
	"grimm.is/reflash/internal/api"
	"grimm.is/reflash/internal/brand"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/health"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/metrics"
	"grimm.is/reflash/internal/services/portal"
	"grimm.is/reflash/internal/system"
)

// ServeOptions are the serve command flags.
type ServeOptions struct {
	ConfigFile string
	Listen     string // overrides web.listen
	NoPortal   bool
}

// RunServe runs the recovery web server and the captive-portal DNS
// responder until interrupted or a reboot is requested.
func RunServe(opts ServeOptions) error {
	e, err := openEnv(opts.ConfigFile, flash.LockExclusive)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.cfg
	log := e.log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("starting", "name", brand.Name, "version", brand.Version,
		"device", cfg.Device.Path, "regions", len(cfg.Regions))

	rebooter, err := system.NewRebooter(cfg.Web.RebootMode, e.dev, cancel)
	if err != nil {
		return err
	}

	var dns *portal.Service
	if !opts.NoPortal && cfg.Portal.IsEnabled() {
		dns = portal.NewService(e.log.WithComponent("portal"))
		if _, err := dns.Reload(cfg); err != nil {
			return err
		}
		// Binding :53 needs privileges; the web UI is still useful without it.
		if err := dns.Start(ctx); err != nil {
			log.Warn("captive portal DNS unavailable", "error", err)
		}
		defer func() {
			stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			dns.Stop(stopCtx)
		}()
	}

	collector := metrics.NewCollector(e.log.WithComponent("metrics"), e.dev, 15*time.Second)
	go collector.Start()
	defer collector.Stop()

	wopts, err := writerOptions(cfg)
	if err != nil {
		return err
	}
	srvOpts := api.ServerOptions{
		Config:        cfg,
		Table:         e.table,
		Store:         e.store,
		Credentials:   accesspoint.NewManager(e.store, accesspoint.FromConfig(cfg.AccessPoint)),
		Rebooter:      rebooter,
		Logger:        e.log.WithComponent("api"),
		WriterOptions: wopts,
	}
	if dns != nil {
		srvOpts.Portal = dns
	}
	srv, err := api.NewServer(srvOpts)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.Health().Register("state_dir", health.DirCheck(filepath.Dir(cfg.State.Path)))

	if dns != nil {
		go reloadOnHangup(ctx, opts.ConfigFile, dns, log)
	}

	listen := cfg.Web.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	if err := srv.ListenAndServe(ctx, listen); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

// reloadOnHangup re-reads the configuration on SIGHUP and applies the
// portal block. Region and device changes need a restart.
func reloadOnHangup(ctx context.Context, configFile string, dns *portal.Service, log *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := LoadConfig(configFile)
		if err != nil {
			log.Error("reload failed", "error", err)
			continue
		}
		restarted, err := dns.Reload(cfg)
		if err != nil {
			log.Error("portal reload failed", "error", err)
			continue
		}
		log.Info("configuration reloaded", "portal_restarted", restarted)
	}
}
