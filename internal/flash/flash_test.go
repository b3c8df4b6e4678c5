package flash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = DefaultEraseUnit

func newTestDevice(t *testing.T, units int64) (*Device, *Memory) {
	t.Helper()
	mem := NewMemory(units * unit)
	dev, err := NewDevice(mem, DeviceOptions{})
	require.NoError(t, err)
	return dev, mem
}

func Test_Device_EraseAndProgram(t *testing.T) {
	dev, mem := newTestDevice(t, 4)

	data := bytes.Repeat([]byte{0x5A}, 100)
	require.NoError(t, dev.Program(data, unit+10))

	got := make([]byte, 100)
	require.NoError(t, dev.ReadAt(got, unit+10))
	assert.Equal(t, data, got)

	// Reprogramming different bits without an erase is rejected.
	err := dev.Program(bytes.Repeat([]byte{0xA5}, 100), unit+10)
	assert.ErrorIs(t, err, ErrProgramConflict)

	require.NoError(t, dev.Erase(unit, unit))
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, int(4*unit)), mem.Bytes())

	stats := dev.Stats()
	assert.Equal(t, int64(1), stats.Erases)
	assert.Equal(t, int64(unit), stats.BytesErased)
	assert.Equal(t, int64(1), stats.Programs)
}

func Test_Device_EraseAlignment(t *testing.T) {
	dev, _ := newTestDevice(t, 2)

	assert.ErrorIs(t, dev.Erase(1, unit), ErrUnaligned)
	assert.ErrorIs(t, dev.Erase(0, unit-1), ErrUnaligned)
	assert.ErrorIs(t, dev.Erase(unit, 2*unit), ErrOutOfBounds)
}

func Test_Device_LenientProgramClearsBits(t *testing.T) {
	mem := NewMemory(unit)
	dev, err := NewDevice(mem, DeviceOptions{Lenient: true})
	require.NoError(t, err)

	require.NoError(t, dev.Program([]byte{0xF0}, 0))
	require.NoError(t, dev.Program([]byte{0x3C}, 0))
	assert.Equal(t, byte(0x30), mem.Bytes()[0])
}

func Test_NewDevice_RejectsBadGeometry(t *testing.T) {
	_, err := NewDevice(NewMemory(unit+1), DeviceOptions{})
	assert.ErrorIs(t, err, ErrUnaligned)

	_, err = NewDevice(NewMemory(3000), DeviceOptions{EraseUnit: 3000})
	assert.Error(t, err)
}

func Test_Device_Closed(t *testing.T) {
	dev, _ := newTestDevice(t, 1)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.ReadAt(make([]byte, 1), 0), ErrClosed)
}

func testLayout() []Info {
	return []Info{
		{Label: "nvs", Kind: KindData, Subtype: SubtypeNVS, Address: 0, Size: 2 * unit},
		{Label: "factory", Kind: KindApp, Subtype: SubtypeFactory, Address: 2 * unit, Size: 4 * unit},
		{Label: "ota_0", Kind: KindApp, Subtype: SubtypeOTAMin, Address: 6 * unit, Size: 4 * unit},
		{Label: "ota_1", Kind: KindApp, Subtype: SubtypeOTAMin + 1, Address: 10 * unit, Size: 4 * unit},
		{Label: "spiffs", Kind: KindData, Subtype: SubtypeSPIFFS, Address: 14 * unit, Size: 2 * unit},
	}
}

func Test_Table_Find(t *testing.T) {
	dev, mem := newTestDevice(t, 16)
	table, err := NewTable(dev, testLayout())
	require.NoError(t, err)

	p, err := table.Find("ota_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4*unit), p.Size())
	assert.True(t, p.Info().IsOTA())

	_, err = table.Find("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	target, err := table.DefaultUpdateTarget()
	require.NoError(t, err)
	assert.Equal(t, "ota_0", target.Label())

	// Region offsets are relative to the partition base.
	require.NoError(t, p.Write(0, []byte{0x00}))
	assert.Equal(t, byte(0x00), mem.Bytes()[10*unit])

	assert.ErrorIs(t, p.Erase(0, 5*unit), ErrOutOfBounds)
	assert.ErrorIs(t, p.Read(4*unit, make([]byte, 1)), ErrOutOfBounds)

	updatable := table.Select(func(i Info) bool { return i.IsOTA() || i.Subtype == SubtypeSPIFFS && i.Kind == KindData })
	require.Len(t, updatable, 3)
	assert.Equal(t, "spiffs", updatable[2].Label())
}

func Test_NewTable_Validation(t *testing.T) {
	dev, _ := newTestDevice(t, 4)

	tests := []struct {
		name  string
		infos []Info
	}{
		{"unaligned", []Info{{Label: "a", Address: 100, Size: unit}}},
		{"beyond device", []Info{{Label: "a", Address: 2 * unit, Size: 4 * unit}}},
		{"overlap", []Info{{Label: "a", Address: 0, Size: 2 * unit}, {Label: "b", Address: unit, Size: unit}}},
		{"duplicate", []Info{{Label: "a", Address: 0, Size: unit}, {Label: "a", Address: unit, Size: unit}}},
		{"no label", []Info{{Address: 0, Size: unit}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTable(dev, tc.infos)
			assert.Error(t, err)
		})
	}
}

func Test_Subtypes(t *testing.T) {
	st, err := ParseSubtype(KindApp, "ota_3")
	require.NoError(t, err)
	assert.Equal(t, SubtypeOTAMin+3, st)
	assert.Equal(t, "ota_3", SubtypeName(KindApp, st))

	st, err = ParseSubtype(KindData, "spiffs")
	require.NoError(t, err)
	assert.Equal(t, SubtypeSPIFFS, st)
	assert.Equal(t, "spiffs", SubtypeName(KindData, st))

	_, err = ParseSubtype(KindApp, "ota_16")
	assert.Error(t, err)
	_, err = ParseKind("bootloader")
	assert.Error(t, err)
}

func Test_File_PersistsAndExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")

	f, err := OpenFile(path, 2*unit, LockExclusive)
	require.NoError(t, err)
	dev, err := NewDevice(f, DeviceOptions{})
	require.NoError(t, err)
	require.NoError(t, dev.Program([]byte("boot"), unit))
	require.NoError(t, dev.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, int(2*unit))
	assert.Equal(t, ErasedByte, raw[0])
	assert.Equal(t, []byte("boot"), raw[unit:unit+4])

	f, err = OpenFile(path, 3*unit, LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, int64(3*unit), f.Size())
	tail := make([]byte, 4)
	_, err = f.ReadAt(tail, 2*unit)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, tail)
	require.NoError(t, f.Close())

	_, err = OpenFile(path, unit, LockExclusive)
	assert.Error(t, err, "shrinking an existing image must fail")
	assert.NotErrorIs(t, err, ErrDeviceBusy)
}
