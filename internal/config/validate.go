package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// AuthModes lists the accepted access_point auth_mode values.
var AuthModes = []string{"open", "wpa_psk", "wpa2_psk", "wpa_wpa2_psk", "wpa3_psk", "wpa2_wpa3_psk"}

// RebootModes lists the accepted web.reboot_mode values.
var RebootModes = []string{"system", "exit", "none"}

// Validate checks a defaulted config.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	settings, err := c.Flash.Settings()
	if err != nil {
		errs.add("flash", "%v", err)
	}

	devSize, err := ParseSize(c.Device.Size)
	switch {
	case err != nil:
		errs.add("device.size", "%v", err)
	case settings.EraseUnit > 0 && devSize%int64(settings.EraseUnit) != 0:
		errs.add("device.size", "%d is not a multiple of erase unit %d", devSize, settings.EraseUnit)
	}

	if settings.EraseUnit > 0 && devSize > 0 {
		if _, err := c.Partitions(); err != nil {
			errs.add("region", "%v", err)
		}
	}

	if _, err := ParseDuration(c.Web.RebootDelay, 0); err != nil {
		errs.add("web.reboot_delay", "%v", err)
	}
	if _, err := ParseDuration(c.Web.ResetDelay, 0); err != nil {
		errs.add("web.reset_delay", "%v", err)
	}
	if _, err := ParseDuration(c.Web.DestructiveWindow, 0); err != nil {
		errs.add("web.destructive_window", "%v", err)
	}
	if !contains(RebootModes, c.Web.RebootMode) {
		errs.add("web.reboot_mode", "unknown mode %q (valid: %s)", c.Web.RebootMode, strings.Join(RebootModes, ", "))
	}
	if c.Web.UploadTarget != "" && !c.hasRegion(c.Web.UploadTarget) {
		errs.add("web.upload_target", "no region labelled %q", c.Web.UploadTarget)
	}

	if net.ParseIP(c.Portal.Address).To4() == nil {
		errs.add("portal.address", "%q is not an IPv4 address", c.Portal.Address)
	}
	for _, r := range c.Portal.Records {
		if r.Name == "" {
			errs.add("portal.record", "empty name")
		}
		if r.Address != "" && net.ParseIP(r.Address).To4() == nil {
			errs.add("portal.record."+r.Name, "%q is not an IPv4 address", r.Address)
		}
	}

	ap := c.AccessPoint
	if len(ap.SSID) == 0 || len(ap.SSID) > 32 {
		errs.add("access_point.ssid", "must be 1-32 bytes")
	}
	if !contains(AuthModes, ap.AuthMode) {
		errs.add("access_point.auth_mode", "unknown mode %q (valid: %s)", ap.AuthMode, strings.Join(AuthModes, ", "))
	}
	if ap.Password != "" && (len(ap.Password) < 8 || len(ap.Password) > 63) {
		errs.add("access_point.password", "must be 8-63 bytes")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging.level", "%v", err)
	}
	return errs
}

func (c *Config) hasRegion(label string) bool {
	for _, r := range c.Regions {
		if r.Label == label {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FlashSettings are the parsed [FlashConfig] values.
type FlashSettings struct {
	EraseUnit        int
	AccumulateUnits  int
	MaxTransfer      int64
	ProgressInterval int64
	ErasedValue      byte
	Verify           bool
	RecvTimeout      time.Duration
}

// Settings parses the flash block.
func (f *FlashConfig) Settings() (FlashSettings, error) {
	s := FlashSettings{
		EraseUnit:       f.EraseUnit,
		AccumulateUnits: f.AccumulateUnits,
		Verify:          f.Verify,
	}
	if s.EraseUnit <= 0 || s.EraseUnit&(s.EraseUnit-1) != 0 {
		return s, fmt.Errorf("erase_unit %d is not a positive power of two", s.EraseUnit)
	}
	if s.AccumulateUnits <= 0 {
		return s, fmt.Errorf("accumulate_units must be positive")
	}
	var err error
	if s.MaxTransfer, err = ParseSize(f.MaxTransfer); err != nil {
		return s, fmt.Errorf("max_transfer: %w", err)
	}
	if s.MaxTransfer == 0 {
		return s, fmt.Errorf("max_transfer must be positive")
	}
	if s.ProgressInterval, err = ParseSize(f.ProgressInterval); err != nil {
		return s, fmt.Errorf("progress_interval: %w", err)
	}
	if f.ErasedValue != nil {
		if *f.ErasedValue < 0 || *f.ErasedValue > 0xFF {
			return s, fmt.Errorf("erased_value %d out of byte range", *f.ErasedValue)
		}
		s.ErasedValue = byte(*f.ErasedValue)
	}
	if s.RecvTimeout, err = ParseDuration(f.RecvTimeout, 0); err != nil {
		return s, fmt.Errorf("recv_timeout: %w", err)
	}
	return s, nil
}

// DeviceSize parses the device size.
func (c *Config) DeviceSize() (int64, error) {
	return ParseSize(c.Device.Size)
}

// Partitions converts the region blocks to partition descriptors, checking
// alignment, bounds and overlap against the device.
func (c *Config) Partitions() ([]flash.Info, error) {
	devSize, err := c.DeviceSize()
	if err != nil {
		return nil, err
	}
	unit := int64(c.Flash.EraseUnit)
	if unit <= 0 {
		return nil, fmt.Errorf("invalid erase unit %d", unit)
	}

	seen := make(map[string]bool, len(c.Regions))
	infos := make([]flash.Info, 0, len(c.Regions))
	for _, r := range c.Regions {
		if r.Label == "" {
			return nil, fmt.Errorf("region without label")
		}
		if seen[r.Label] {
			return nil, fmt.Errorf("duplicate region %q", r.Label)
		}
		seen[r.Label] = true

		kind, err := flash.ParseKind(r.Type)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", r.Label, err)
		}
		sub, err := flash.ParseSubtype(kind, r.Subtype)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", r.Label, err)
		}
		off, err := ParseSize(r.Offset)
		if err != nil {
			return nil, fmt.Errorf("region %q offset: %w", r.Label, err)
		}
		size, err := ParseSize(r.Size)
		if err != nil {
			return nil, fmt.Errorf("region %q size: %w", r.Label, err)
		}
		switch {
		case size == 0:
			return nil, fmt.Errorf("region %q has zero size", r.Label)
		case off%unit != 0 || size%unit != 0:
			return nil, fmt.Errorf("region %q (offset %#x, size %#x) is not aligned to erase unit %d", r.Label, off, size, unit)
		case off+size > devSize:
			return nil, fmt.Errorf("region %q ends at %#x, beyond device size %#x", r.Label, off+size, devSize)
		}
		infos = append(infos, flash.Info{Label: r.Label, Kind: kind, Subtype: sub, Address: off, Size: size})
	}

	sorted := append([]flash.Info(nil), infos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Address+sorted[i-1].Size > sorted[i].Address {
			return nil, fmt.Errorf("regions %q and %q overlap", sorted[i-1].Label, sorted[i].Label)
		}
	}
	return infos, nil
}
