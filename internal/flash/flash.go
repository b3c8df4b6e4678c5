// Package flash models block-erasable storage with NOR semantics.
//
// A Device wraps a raw Medium (memory or a file standing in for the flash
// chip) and enforces the erase/program discipline: erase works on whole
// erase units and resets every byte to the erased value, program can only
// clear bits. Partitions carve labelled Regions out of a Device.
package flash

import (
	"errors"
	"fmt"
)

// DefaultEraseUnit is the erase granularity of the supported parts.
const DefaultEraseUnit = 4096

// ErasedByte is the value of every byte after an erase.
const ErasedByte byte = 0xFF

var (
	ErrUnaligned       = errors.New("flash: offset or length not aligned to erase unit")
	ErrOutOfBounds     = errors.New("flash: access out of bounds")
	ErrProgramConflict = errors.New("flash: program would set cleared bits")
	ErrNotFound        = errors.New("flash: partition not found")
	ErrClosed          = errors.New("flash: device closed")
	ErrDeviceBusy      = errors.New("flash: device image is in use by another process")
)

// Region is a contiguous, erase-unit aligned window of a device.
//
// Offsets are relative to the start of the region.
type Region interface {
	Label() string
	Size() int64
	// Read fills p with the bytes at off.
	Read(off int64, p []byte) error
	// Erase resets n bytes at off to the erased value. Both must be
	// multiples of the erase unit.
	Erase(off, n int64) error
	// Write programs p at off. The target bytes must have been erased.
	Write(off int64, p []byte) error
}

// Kind is the partition type.
type Kind uint8

const (
	KindApp  Kind = 0x00
	KindData Kind = 0x01
)

func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

// ParseKind parses "app" or "data".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "app":
		return KindApp, nil
	case "data":
		return KindData, nil
	}
	return 0, fmt.Errorf("unknown partition kind %q", s)
}

// Subtype qualifies a Kind. Its meaning depends on the Kind.
type Subtype uint8

const (
	SubtypeFactory Subtype = 0x00
	SubtypeOTAMin  Subtype = 0x10
	SubtypeOTAMax  Subtype = 0x1f
	SubtypeTest    Subtype = 0x20

	SubtypeOTAData  Subtype = 0x00
	SubtypePhy      Subtype = 0x01
	SubtypeNVS      Subtype = 0x02
	SubtypeCoreDump Subtype = 0x03
	SubtypeFAT      Subtype = 0x81
	SubtypeSPIFFS   Subtype = 0x82
)

var dataSubtypes = map[string]Subtype{
	"ota":      SubtypeOTAData,
	"phy":      SubtypePhy,
	"nvs":      SubtypeNVS,
	"coredump": SubtypeCoreDump,
	"fat":      SubtypeFAT,
	"spiffs":   SubtypeSPIFFS,
}

// ParseSubtype parses a subtype name for the given kind:
// "factory", "test" or "ota_<n>" for apps, and "ota", "phy", "nvs",
// "coredump", "fat" or "spiffs" for data.
func ParseSubtype(k Kind, s string) (Subtype, error) {
	if k == KindApp {
		switch s {
		case "factory":
			return SubtypeFactory, nil
		case "test":
			return SubtypeTest, nil
		}
		var n int
		if _, err := fmt.Sscanf(s, "ota_%d", &n); err == nil && n >= 0 && n <= int(SubtypeOTAMax-SubtypeOTAMin) {
			return SubtypeOTAMin + Subtype(n), nil
		}
		return 0, fmt.Errorf("unknown app subtype %q", s)
	}
	if st, ok := dataSubtypes[s]; ok {
		return st, nil
	}
	return 0, fmt.Errorf("unknown data subtype %q", s)
}

// SubtypeName is the inverse of ParseSubtype.
func SubtypeName(k Kind, st Subtype) string {
	if k == KindApp {
		switch {
		case st == SubtypeFactory:
			return "factory"
		case st == SubtypeTest:
			return "test"
		case st >= SubtypeOTAMin && st <= SubtypeOTAMax:
			return fmt.Sprintf("ota_%d", st-SubtypeOTAMin)
		}
	} else {
		for name, v := range dataSubtypes {
			if v == st {
				return name
			}
		}
	}
	return fmt.Sprintf("%#02x", uint8(st))
}
