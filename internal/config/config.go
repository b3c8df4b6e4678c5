// Package config loads and validates the HCL configuration.
//
// A minimal file:
//
//	device {
//	  path = "/var/lib/reflash/flash.bin"
//	  size = "4MiB"
//	}
//
//	region "ota_0" {
//	  type    = "app"
//	  subtype = "ota_0"
//	  offset  = "0x110000"
//	  size    = "1MiB"
//	}
//
// Every other block is optional and defaulted by ApplyDefaults. Sizes and
// offsets are strings accepting hex ("0x10000") or units ("64KiB").
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// CurrentSchemaVersion is written into new configs.
const CurrentSchemaVersion = "1.0"

// Config is the root of the configuration file.
type Config struct {
	SchemaVersion string             `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	Flash         *FlashConfig       `hcl:"flash,block" json:"flash,omitempty"`
	Device        *DeviceConfig      `hcl:"device,block" json:"device,omitempty"`
	Regions       []RegionConfig     `hcl:"region,block" json:"regions,omitempty"`
	Web           *WebConfig         `hcl:"web,block" json:"web,omitempty"`
	Portal        *PortalConfig      `hcl:"portal,block" json:"portal,omitempty"`
	AccessPoint   *AccessPointConfig `hcl:"access_point,block" json:"access_point,omitempty"`
	State         *StateConfig       `hcl:"state,block" json:"state,omitempty"`
	Logging       *LoggingConfig     `hcl:"logging,block" json:"logging,omitempty"`
}

// FlashConfig tunes the differential writer.
type FlashConfig struct {
	EraseUnit        int    `hcl:"erase_unit,optional" json:"erase_unit,omitempty"`
	AccumulateUnits  int    `hcl:"accumulate_units,optional" json:"accumulate_units,omitempty"`
	MaxTransfer      string `hcl:"max_transfer,optional" json:"max_transfer,omitempty"`
	ProgressInterval string `hcl:"progress_interval,optional" json:"progress_interval,omitempty"`
	ErasedValue      *int   `hcl:"erased_value,optional" json:"erased_value,omitempty"`
	Verify           bool   `hcl:"verify,optional" json:"verify,omitempty"`
	RecvTimeout      string `hcl:"recv_timeout,optional" json:"recv_timeout,omitempty"` // per-read deadline for uploads
}

// DeviceConfig locates the flash image.
type DeviceConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty"`
	Size string `hcl:"size,optional" json:"size,omitempty"`

	// Lenient programs over non-erased bytes by ANDing instead of failing.
	Lenient bool `hcl:"lenient,optional" json:"lenient,omitempty"`
}

// RegionConfig declares one partition.
type RegionConfig struct {
	Label   string `hcl:"label,label" json:"label"`
	Type    string `hcl:"type" json:"type"`
	Subtype string `hcl:"subtype" json:"subtype"`
	Offset  string `hcl:"offset" json:"offset"`
	Size    string `hcl:"size" json:"size"`
}

// WebConfig configures the HTTP server.
type WebConfig struct {
	Listen      string `hcl:"listen,optional" json:"listen,omitempty"`
	RebootDelay string `hcl:"reboot_delay,optional" json:"reboot_delay,omitempty"`
	ResetDelay  string `hcl:"reset_delay,optional" json:"reset_delay,omitempty"`

	// RebootMode is "system" (reboot the host), "exit" (exit and let the
	// supervisor restart us) or "none".
	RebootMode string `hcl:"reboot_mode,optional" json:"reboot_mode,omitempty"`

	// UploadTarget is the region /upload writes to when no label is given.
	UploadTarget string `hcl:"upload_target,optional" json:"upload_target,omitempty"`

	// Uploads, clears and resets allowed per client per window.
	DestructiveLimit  int    `hcl:"destructive_limit,optional" json:"destructive_limit,omitempty"`
	DestructiveWindow string `hcl:"destructive_window,optional" json:"destructive_window,omitempty"`
}

// PortalConfig configures the captive-portal DNS responder.
type PortalConfig struct {
	Enabled *bool       `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string      `hcl:"listen,optional" json:"listen,omitempty"`
	Address string      `hcl:"address,optional" json:"address,omitempty"` // answer for every record without its own
	TTL     int         `hcl:"ttl,optional" json:"ttl,omitempty"`
	Records []DNSRecord `hcl:"record,block" json:"records,omitempty"`
}

// DNSRecord maps a name ("*" for any) to an address.
type DNSRecord struct {
	Name    string `hcl:"name,label" json:"name"`
	Address string `hcl:"address,optional" json:"address,omitempty"`
}

// IsEnabled reports whether the portal should run.
func (p *PortalConfig) IsEnabled() bool {
	return p != nil && (p.Enabled == nil || *p.Enabled)
}

// AccessPointConfig holds the default access-point credentials. Values saved
// in the state store take precedence.
type AccessPointConfig struct {
	SSID           string `hcl:"ssid,optional" json:"ssid,omitempty"`
	Password       string `hcl:"password,optional" json:"password,omitempty"`
	AuthMode       string `hcl:"auth_mode,optional" json:"auth_mode,omitempty"`
	Channel        int    `hcl:"channel,optional" json:"channel,omitempty"`
	MaxConnections int    `hcl:"max_connections,optional" json:"max_connections,omitempty"`
}

// StateConfig locates the state database.
type StateConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// ParseSize parses a byte count: plain or hex integers ("4096", "0x1000")
// or humanized sizes ("4KiB", "1 MiB", "5MB").
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// ParseDuration parses a duration, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
