package portal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/logging"
)

func testConfig(listen string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Portal.Listen = listen
	cfg.Portal.Records = []config.DNSRecord{
		{Name: "*"},
		{Name: "connectivitycheck.gstatic.com", Address: "192.168.4.2"},
	}
	return cfg
}

func startService(t *testing.T) *Service {
	t.Helper()
	s := NewService(nil)
	_, err := s.Reload(testConfig("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func exchange(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := new(dns.Client).Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

func TestServeDNS_Wildcard(t *testing.T) {
	s := startService(t)

	resp := exchange(t, s.Addr(), "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "192.168.4.1", a.A.String())
	assert.Equal(t, uint32(60), a.Hdr.Ttl)
}

func TestServeDNS_SpecificRecord(t *testing.T) {
	s := startService(t)

	resp := exchange(t, s.Addr(), "ConnectivityCheck.gstatic.com", dns.TypeA)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.168.4.2", resp.Answer[0].(*dns.A).A.String())
}

func TestServeDNS_AAAAIsEmpty(t *testing.T) {
	s := startService(t)

	resp := exchange(t, s.Addr(), "example.com", dns.TypeAAAA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServeDNS_TCP(t *testing.T) {
	s := startService(t)

	m := new(dns.Msg)
	m.SetQuestion("captive.apple.com.", dns.TypeA)
	resp, _, err := (&dns.Client{Net: "tcp"}).Exchange(m, s.Addr())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func TestLookup_NoWildcard(t *testing.T) {
	s := NewService(nil)
	cfg := testConfig("127.0.0.1:0")
	cfg.Portal.Records = []config.DNSRecord{{Name: "reflash.local"}}
	_, err := s.Reload(cfg)
	require.NoError(t, err)

	ip, ok := s.Lookup("reflash.local")
	assert.True(t, ok)
	assert.Equal(t, "192.168.4.1", ip.String())

	_, ok = s.Lookup("example.com.")
	assert.False(t, ok)
}

func TestServeDNS_NXDomainWithoutWildcard(t *testing.T) {
	s := NewService(nil)
	cfg := testConfig("127.0.0.1:0")
	cfg.Portal.Records = []config.DNSRecord{{Name: "reflash.local"}}
	_, err := s.Reload(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	resp := exchange(t, s.Addr(), "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestLifecycle(t *testing.T) {
	s := NewService(nil)
	assert.Equal(t, "portal", s.Name())
	assert.False(t, s.Status().Running)

	restarted, err := s.Reload(testConfig("127.0.0.1:0"))
	require.NoError(t, err)
	assert.False(t, restarted)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	st := s.Status()
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.Addr)

	disabled := testConfig("127.0.0.1:0")
	off := false
	disabled.Portal.Enabled = &off
	restarted, err = s.Reload(disabled)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.False(t, s.Status().Running)

	require.NoError(t, s.Stop(context.Background()))
}

func TestReload_BadAddress(t *testing.T) {
	s := NewService(nil)
	cfg := testConfig("127.0.0.1:0")
	cfg.Portal.Address = "not-an-ip"
	_, err := s.Reload(cfg)
	assert.Error(t, err)
}

func TestActivate_FailsBeforeStart(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	noop := dns.HandlerFunc(func(dns.ResponseWriter, *dns.Msg) {})
	servers := []*dns.Server{
		{PacketConn: pc, Net: "udp", Handler: noop},
		{Net: "tcp", Handler: noop}, // nothing to serve on
	}

	done := make(chan error, 1)
	go func() { done <- activate(context.Background(), servers, logging.WithComponent("portal")) }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("activate did not return after a server failed to start")
	}
}

func TestActivate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Cancelled before any server reports started.
	err := activate(ctx, []*dns.Server{{Net: "udp", Handler: dns.HandlerFunc(func(dns.ResponseWriter, *dns.Msg) {})}}, logging.WithComponent("portal"))
	assert.Error(t, err)
}

func TestReload_RetriesFailedStart(t *testing.T) {
	block, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := block.LocalAddr().String()

	s := NewService(nil)
	t.Cleanup(func() { s.Stop(context.Background()) })
	_, err = s.Reload(testConfig(addr))
	require.NoError(t, err)

	require.Error(t, s.Start(context.Background()))
	st := s.Status()
	assert.False(t, st.Running)
	assert.NotEmpty(t, st.Error)
	_, ok := s.Lookup("example.com")
	assert.True(t, ok, "records stay usable after a failed start")

	require.NoError(t, block.Close())
	restarted, err := s.Reload(testConfig(addr))
	require.NoError(t, err)
	assert.True(t, restarted)

	st = s.Status()
	assert.True(t, st.Running)
	assert.Empty(t, st.Error)
	resp := exchange(t, s.Addr(), "example.com", dns.TypeA)
	require.Len(t, resp.Answer, 1)
}
