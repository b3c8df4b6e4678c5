// Package accesspoint manages the recovery access-point credentials.
//
// Saved values live in the state store, one key per field. A missing key
// falls back to the configured default, and an empty password always means
// an open network regardless of the saved auth mode.
package accesspoint

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/state"
)

// AuthMode is the access-point security mode.
type AuthMode string

const (
	AuthOpen     AuthMode = "open"
	AuthWPA      AuthMode = "wpa_psk"
	AuthWPA2     AuthMode = "wpa2_psk"
	AuthWPAWPA2  AuthMode = "wpa_wpa2_psk"
	AuthWPA3     AuthMode = "wpa3_psk"
	AuthWPA2WPA3 AuthMode = "wpa2_wpa3_psk"
)

const (
	keySSID     = "ssid"
	keyPassword = "password"
	keyAuthMode = "authmode"
)

var ErrInvalid = errors.New("invalid access point credentials")

// Credentials describe the access point.
type Credentials struct {
	SSID           string   `json:"ssid"`
	Password       string   `json:"password,omitempty"`
	AuthMode       AuthMode `json:"authmode"`
	Channel        int      `json:"channel,omitempty"`
	MaxConnections int      `json:"max_connections,omitempty"`
}

// FromConfig builds the default credentials from configuration.
func FromConfig(c *config.AccessPointConfig) Credentials {
	return Credentials{
		SSID:           c.SSID,
		Password:       c.Password,
		AuthMode:       AuthMode(c.AuthMode),
		Channel:        c.Channel,
		MaxConnections: c.MaxConnections,
	}
}

// Effective applies the open-network rule.
func (c Credentials) Effective() Credentials {
	if c.Password == "" {
		c.AuthMode = AuthOpen
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthWPAWPA2
	}
	return c
}

// Redacted hides the password.
func (c Credentials) Redacted() Credentials {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}

// Validate checks field lengths and the auth mode.
func (c Credentials) Validate() error {
	switch {
	case len(c.SSID) == 0 || len(c.SSID) > 32:
		return fmt.Errorf("%w: ssid must be 1-32 bytes", ErrInvalid)
	case c.Password != "" && (len(c.Password) < 8 || len(c.Password) > 63):
		return fmt.Errorf("%w: password must be 8-63 bytes", ErrInvalid)
	}
	if c.AuthMode != "" && !slices.Contains(config.AuthModes, string(c.AuthMode)) {
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, c.AuthMode)
	}
	return nil
}

// Manager loads and saves credentials.
type Manager struct {
	store    state.Store
	defaults Credentials
	log      *logging.Logger
}

// NewManager returns a Manager backed by store.
func NewManager(store state.Store, defaults Credentials) *Manager {
	return &Manager{store: store, defaults: defaults, log: logging.WithComponent("accesspoint")}
}

// Load returns the effective credentials.
func (m *Manager) Load() (Credentials, error) {
	c := m.defaults

	if v, ok, err := m.get(keySSID); err != nil {
		return c, err
	} else if ok {
		c.SSID = v
	}
	if v, ok, err := m.get(keyPassword); err != nil {
		return c, err
	} else if ok {
		c.Password = v
	}
	if v, ok, err := m.get(keyAuthMode); err != nil {
		return c, err
	} else if ok {
		c.AuthMode = AuthMode(v)
	}
	return c.Effective(), nil
}

func (m *Manager) get(key string) (string, bool, error) {
	v, err := m.store.Get(state.BucketAccessPoint, key)
	if errors.Is(err, state.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(v), true, nil
}

// Save validates and persists c. An empty AuthMode keeps the saved or
// default one.
func (m *Manager) Save(c Credentials) error {
	c.SSID = strings.TrimSpace(c.SSID)
	if err := c.Validate(); err != nil {
		return err
	}
	if err := m.store.Set(state.BucketAccessPoint, keySSID, []byte(c.SSID)); err != nil {
		return err
	}
	if err := m.store.Set(state.BucketAccessPoint, keyPassword, []byte(c.Password)); err != nil {
		return err
	}
	if c.AuthMode != "" {
		if err := m.store.Set(state.BucketAccessPoint, keyAuthMode, []byte(c.AuthMode)); err != nil {
			return err
		}
	}
	m.log.Info("access point credentials saved", "ssid", c.SSID, "open", c.Password == "")
	return nil
}

// Reset drops saved credentials so the defaults apply again.
func (m *Manager) Reset() error {
	for _, k := range []string{keySSID, keyPassword, keyAuthMode} {
		if err := m.store.Delete(state.BucketAccessPoint, k); err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
	}
	m.log.Info("access point credentials reset to defaults")
	return nil
}

// Hostapd renders a hostapd configuration for iface.
func (c Credentials) Hostapd(iface string) string {
	c = c.Effective()
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	fmt.Fprintf(&b, "ssid=%s\n", c.SSID)
	fmt.Fprintf(&b, "hw_mode=g\nchannel=%d\n", max(c.Channel, 1))
	if c.MaxConnections > 0 {
		fmt.Fprintf(&b, "max_num_sta=%d\n", c.MaxConnections)
	}
	switch c.AuthMode {
	case AuthOpen:
		b.WriteString("auth_algs=1\nwpa=0\n")
	case AuthWPA3:
		fmt.Fprintf(&b, "wpa=2\nwpa_key_mgmt=SAE\nieee80211w=2\nsae_password=%s\n", c.Password)
	case AuthWPA2WPA3:
		fmt.Fprintf(&b, "wpa=2\nwpa_key_mgmt=WPA-PSK SAE\nieee80211w=1\nwpa_passphrase=%s\nsae_password=%s\n", c.Password, c.Password)
	default:
		wpa := map[AuthMode]int{AuthWPA: 1, AuthWPA2: 2, AuthWPAWPA2: 3}[c.AuthMode]
		fmt.Fprintf(&b, "wpa=%d\nwpa_key_mgmt=WPA-PSK\nrsn_pairwise=CCMP\nwpa_passphrase=%s\n", wpa, c.Password)
	}
	return b.String()
}
