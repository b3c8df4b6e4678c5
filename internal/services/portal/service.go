// Package portal answers DNS queries on the recovery network so that every
// hostname resolves to the device, which lets client operating systems
// detect the captive portal and open the recovery page.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/metrics"
	"grimm.is/reflash/internal/services"
)

const wildcard = "*"

// Service is the captive-portal DNS responder.
type Service struct {
	mu      sync.RWMutex
	listen  string
	enabled bool
	records map[string]net.IP // FQDN or "*" -> address
	ttl     uint32
	servers []*dns.Server
	addr    string
	running bool
	lastErr error

	log     *logging.Logger
	metrics *metrics.Registry
}

var _ services.Service = (*Service)(nil)

// NewService creates an unconfigured responder. Call Reload before Start.
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("portal")
	}
	return &Service{
		records: make(map[string]net.IP),
		log:     logger,
		metrics: metrics.Get(),
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return "portal"
}

// Reload rebuilds the record table and restarts the listener when the
// address changed while running.
func (s *Service) Reload(cfg *config.Config) (bool, error) {
	pc := cfg.Portal
	if pc == nil {
		pc = &config.PortalConfig{}
	}
	records, err := buildRecords(pc)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	restart := s.running && (s.listen != pc.Listen || !pc.IsEnabled())
	// A failed bind is retried on every reload.
	retry := !s.running && s.lastErr != nil && pc.IsEnabled()
	s.records = records
	s.ttl = uint32(pc.TTL)
	s.enabled = pc.IsEnabled()
	oldListen := s.listen
	s.listen = pc.Listen
	s.mu.Unlock()

	switch {
	case retry:
		s.log.Info("retrying portal DNS", "listen", pc.Listen)
	case restart:
		s.log.Info("restarting portal DNS", "old", oldListen, "new", pc.Listen)
		if err := s.Stop(context.Background()); err != nil {
			return false, err
		}
		if !pc.IsEnabled() {
			return true, nil
		}
	default:
		return false, nil
	}
	return true, s.Start(context.Background())
}

func buildRecords(pc *config.PortalConfig) (map[string]net.IP, error) {
	def := net.ParseIP(pc.Address).To4()
	records := make(map[string]net.IP, len(pc.Records))
	for _, r := range pc.Records {
		ip := def
		if r.Address != "" {
			ip = net.ParseIP(r.Address).To4()
		}
		if ip == nil {
			return nil, fmt.Errorf("portal record %q: no IPv4 address", r.Name)
		}
		name := wildcard
		if r.Name != wildcard {
			name = dns.CanonicalName(r.Name)
		}
		records[name] = ip
	}
	return records, nil
}

// Start binds UDP and TCP on the configured address.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || !s.enabled {
		return nil
	}

	pc, err := net.ListenPacket("udp", s.listen)
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("portal: bind udp %s: %w", s.listen, err)
	}
	// Same port as UDP so ":0" works in tests.
	tcpAddr := pc.LocalAddr().String()
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		pc.Close()
		s.lastErr = err
		return fmt.Errorf("portal: bind tcp %s: %w", tcpAddr, err)
	}

	servers := []*dns.Server{
		{PacketConn: pc, Net: "udp", Handler: s},
		{Listener: ln, Net: "tcp", Handler: s},
	}
	if err := activate(ctx, servers, s.log); err != nil {
		pc.Close()
		ln.Close()
		s.lastErr = err
		return fmt.Errorf("portal: start %s: %w", s.listen, err)
	}

	s.servers = servers
	s.addr = pc.LocalAddr().String()
	s.running = true
	s.lastErr = nil
	s.log.Info("portal DNS listening", "addr", s.addr, "records", len(s.records))
	return nil
}

// activate serves each server in its own goroutine and returns once all
// have started, or with the first error raised before that. Servers that did
// start are shut down again on error.
func activate(ctx context.Context, servers []*dns.Server, log *logging.Logger) error {
	started := make(chan struct{}, len(servers))
	failed := make(chan error, len(servers))
	for _, srv := range servers {
		srv.NotifyStartedFunc = func() { started <- struct{}{} }
		go func(srv *dns.Server) {
			if err := srv.ActivateAndServe(); err != nil {
				failed <- err
				log.Error("portal DNS server stopped", "net", srv.Net, "error", err)
			}
		}(srv)
	}

	var err error
wait:
	for range servers {
		select {
		case <-started:
		case err = <-failed:
			break wait
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		}
	}
	if err == nil {
		return nil
	}
	for _, srv := range servers {
		srv.Shutdown()
	}
	return err
}

// Stop shuts the listeners down.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	servers := s.servers
	s.servers = nil
	s.running = false
	s.mu.Unlock()

	// Handlers take the read lock, so shut down without holding it.
	var errs []error
	for _, srv := range servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("portal DNS stopped")
	return errors.Join(errs...)
}

// Addr returns the bound UDP address while running.
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Status returns the current status of the service.
func (s *Service) Status() services.ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := services.ServiceStatus{Name: s.Name(), Running: s.running}
	if s.running {
		st.Addr = s.addr
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Lookup resolves name against the record table, falling back to "*".
func (s *Service) Lookup(name string) (net.IP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ip, ok := s.records[dns.CanonicalName(name)]; ok {
		return ip, true
	}
	ip, ok := s.records[wildcard]
	return ip, ok
}

// ServeDNS implements dns.Handler.
func (s *Service) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) == 0 {
		msg.Rcode = dns.RcodeFormatError
		w.WriteMsg(msg)
		return
	}

	q := r.Question[0]
	qtype := strings.ToLower(dns.TypeToString[q.Qtype])
	ip, ok := s.Lookup(q.Name)

	switch {
	case !ok:
		msg.Rcode = dns.RcodeNameError
		s.metrics.RecordDNSQuery(qtype, "nxdomain")
	case q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY:
		s.mu.RLock()
		ttl := s.ttl
		s.mu.RUnlock()
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   ip,
		})
		s.metrics.RecordDNSQuery(qtype, "answered")
	default:
		// NOERROR with no answers keeps clients on IPv4.
		s.metrics.RecordDNSQuery(qtype, "nodata")
	}

	if err := w.WriteMsg(msg); err != nil {
		s.log.Debug("portal DNS write failed", "error", err)
	}
}
