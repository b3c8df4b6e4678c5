package config

import (
	"path/filepath"

	"grimm.is/reflash/internal/brand"
)

// DefaultLayout is the partition layout used when no region blocks are
// given: a 4 MiB part with NVS, OTA data, a factory app, two OTA slots and
// a SPIFFS data partition.
func DefaultLayout() []RegionConfig {
	return []RegionConfig{
		{Label: "nvs", Type: "data", Subtype: "nvs", Offset: "0x9000", Size: "0x6000"},
		{Label: "otadata", Type: "data", Subtype: "ota", Offset: "0xf000", Size: "0x2000"},
		{Label: "phy_init", Type: "data", Subtype: "phy", Offset: "0x11000", Size: "0x1000"},
		{Label: "factory", Type: "app", Subtype: "factory", Offset: "0x20000", Size: "0xe0000"},
		{Label: "ota_0", Type: "app", Subtype: "ota_0", Offset: "0x100000", Size: "0x100000"},
		{Label: "ota_1", Type: "app", Subtype: "ota_1", Offset: "0x200000", Size: "0x100000"},
		{Label: "storage", Type: "data", Subtype: "spiffs", Offset: "0x300000", Size: "0x100000"},
	}
}

// DefaultConfig returns a complete default configuration.
func DefaultConfig() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Flash == nil {
		c.Flash = &FlashConfig{}
	}
	f := c.Flash
	if f.EraseUnit == 0 {
		f.EraseUnit = 4096
	}
	if f.AccumulateUnits == 0 {
		f.AccumulateUnits = 64
	}
	if f.MaxTransfer == "" {
		f.MaxTransfer = "5MiB"
	}
	if f.ProgressInterval == "" {
		f.ProgressInterval = "64KiB"
	}
	if f.ErasedValue == nil {
		v := 0xFF
		f.ErasedValue = &v
	}
	if f.RecvTimeout == "" {
		f.RecvTimeout = "10s"
	}

	if c.Device == nil {
		c.Device = &DeviceConfig{}
	}
	if c.Device.Path == "" {
		c.Device.Path = filepath.Join(brand.StateDir(), "flash.bin")
	}
	if c.Device.Size == "" {
		c.Device.Size = "4MiB"
	}

	if len(c.Regions) == 0 {
		c.Regions = DefaultLayout()
	}

	if c.Web == nil {
		c.Web = &WebConfig{}
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":80"
	}
	if c.Web.RebootDelay == "" {
		c.Web.RebootDelay = "3s"
	}
	if c.Web.ResetDelay == "" {
		c.Web.ResetDelay = "1s"
	}
	if c.Web.RebootMode == "" {
		c.Web.RebootMode = "exit"
	}
	if c.Web.DestructiveLimit == 0 {
		c.Web.DestructiveLimit = 10
	}
	if c.Web.DestructiveWindow == "" {
		c.Web.DestructiveWindow = "1m"
	}

	if c.Portal == nil {
		c.Portal = &PortalConfig{}
	}
	if c.Portal.Listen == "" {
		c.Portal.Listen = ":53"
	}
	if c.Portal.Address == "" {
		c.Portal.Address = "192.168.4.1"
	}
	if c.Portal.TTL == 0 {
		c.Portal.TTL = 60
	}
	if len(c.Portal.Records) == 0 {
		c.Portal.Records = []DNSRecord{{Name: "*"}}
	}

	if c.AccessPoint == nil {
		c.AccessPoint = &AccessPointConfig{}
	}
	if c.AccessPoint.SSID == "" {
		c.AccessPoint.SSID = brand.Get().AccessPointSSID
	}
	if c.AccessPoint.AuthMode == "" {
		c.AccessPoint.AuthMode = "wpa_wpa2_psk"
	}
	if c.AccessPoint.Channel == 0 {
		c.AccessPoint.Channel = 1
	}
	if c.AccessPoint.MaxConnections == 0 {
		c.AccessPoint.MaxConnections = 4
	}

	if c.State == nil {
		c.State = &StateConfig{}
	}
	if c.State.Path == "" {
		c.State.Path = brand.StatePath()
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
