package accesspoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/reflash/internal/state"
)

var testDefaults = Credentials{
	SSID:           "reflash-recovery",
	Password:       "recover-me",
	AuthMode:       AuthWPAWPA2,
	Channel:        6,
	MaxConnections: 4,
}

func newTestManager(t *testing.T) (*Manager, *state.SQLiteStore) {
	t.Helper()
	s, err := state.Open(state.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s, testDefaults), s
}

func TestLoad_Defaults(t *testing.T) {
	m, _ := newTestManager(t)

	c, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, testDefaults, c)
}

func TestLoad_PartialOverride(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Set(state.BucketAccessPoint, "ssid", []byte("workshop")))

	c, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "workshop", c.SSID)
	assert.Equal(t, testDefaults.Password, c.Password)
	assert.Equal(t, AuthWPAWPA2, c.AuthMode)
	assert.Equal(t, 6, c.Channel)
}

func TestLoad_EmptyPasswordIsOpen(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Set(state.BucketAccessPoint, "password", []byte("")))
	require.NoError(t, s.Set(state.BucketAccessPoint, "authmode", []byte("wpa2_psk")))

	c, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Password)
	assert.Equal(t, AuthOpen, c.AuthMode)
}

func TestSaveAndReset(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Save(Credentials{SSID: "  bench  ", Password: "hunter2hunter2", AuthMode: AuthWPA2}))
	c, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "bench", c.SSID)
	assert.Equal(t, "hunter2hunter2", c.Password)
	assert.Equal(t, AuthWPA2, c.AuthMode)

	require.NoError(t, m.Reset())
	c, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, testDefaults, c)

	// Resetting twice is harmless.
	require.NoError(t, m.Reset())
}

func TestSave_KeepsAuthModeWhenUnset(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Save(Credentials{SSID: "bench", Password: "longenough"}))
	c, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, AuthWPAWPA2, c.AuthMode)
}

func TestSave_Invalid(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		c    Credentials
	}{
		{"empty ssid", Credentials{SSID: ""}},
		{"long ssid", Credentials{SSID: "0123456789012345678901234567890123"}},
		{"short password", Credentials{SSID: "x", Password: "short"}},
		{"bad mode", Credentials{SSID: "x", Password: "longenough", AuthMode: "wep"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.Save(tt.c), ErrInvalid)
		})
	}

	c, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, testDefaults, c)
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "********", testDefaults.Redacted().Password)
	assert.Empty(t, Credentials{SSID: "x"}.Redacted().Password)
}

func TestHostapd(t *testing.T) {
	out := testDefaults.Hostapd("wlan0")
	assert.Contains(t, out, "interface=wlan0\n")
	assert.Contains(t, out, "ssid=reflash-recovery\n")
	assert.Contains(t, out, "channel=6\n")
	assert.Contains(t, out, "max_num_sta=4\n")
	assert.Contains(t, out, "wpa=3\n")
	assert.Contains(t, out, "wpa_passphrase=recover-me\n")

	open := Credentials{SSID: "open-ap", AuthMode: AuthWPA2}.Hostapd("wlan1")
	assert.Contains(t, open, "wpa=0\n")
	assert.Contains(t, open, "channel=1\n")
	assert.NotContains(t, open, "passphrase")
}
