package flash

import (
	"fmt"
	"sort"
)

// Info describes one partition of a device.
type Info struct {
	Label   string  `json:"label"`
	Kind    Kind    `json:"type"`
	Subtype Subtype `json:"subtype"`
	Address int64   `json:"address"`
	Size    int64   `json:"size"`
}

// IsOTA reports whether the partition holds an updatable app image.
func (i Info) IsOTA() bool {
	return i.Kind == KindApp && i.Subtype >= SubtypeOTAMin && i.Subtype <= SubtypeOTAMax
}

// IsFactory reports whether the partition holds the factory app.
func (i Info) IsFactory() bool {
	return i.Kind == KindApp && i.Subtype == SubtypeFactory
}

// Partition is a labelled Region of a Device.
type Partition struct {
	info Info
	dev  *Device
}

var _ Region = (*Partition)(nil)

func (p *Partition) Label() string    { return p.info.Label }
func (p *Partition) Size() int64      { return p.info.Size }
func (p *Partition) Info() Info       { return p.info }
func (p *Partition) EraseUnit() int64 { return p.dev.eraseUnit }

func (p *Partition) bounds(off, n int64) error {
	if off < 0 || n < 0 || off+n > p.info.Size {
		return fmt.Errorf("%w: %s [%d, +%d) of %d", ErrOutOfBounds, p.info.Label, off, n, p.info.Size)
	}
	return nil
}

func (p *Partition) Read(off int64, buf []byte) error {
	if err := p.bounds(off, int64(len(buf))); err != nil {
		return err
	}
	return p.dev.ReadAt(buf, p.info.Address+off)
}

func (p *Partition) Erase(off, n int64) error {
	if err := p.bounds(off, n); err != nil {
		return err
	}
	return p.dev.Erase(p.info.Address+off, n)
}

func (p *Partition) Write(off int64, buf []byte) error {
	if err := p.bounds(off, int64(len(buf))); err != nil {
		return err
	}
	return p.dev.Program(buf, p.info.Address+off)
}

// Table is the partition layout of a Device.
type Table struct {
	dev   *Device
	parts []*Partition
	index map[string]*Partition
}

// NewTable validates infos against dev and builds the table. Partitions must
// be erase-unit aligned, inside the device, non-overlapping and uniquely
// labelled.
func NewTable(dev *Device, infos []Info) (*Table, error) {
	t := &Table{dev: dev, index: make(map[string]*Partition, len(infos))}
	unit := dev.EraseUnit()

	for _, info := range infos {
		switch {
		case info.Label == "":
			return nil, fmt.Errorf("flash: partition at %#x has no label", info.Address)
		case info.Size <= 0:
			return nil, fmt.Errorf("flash: partition %s has size %d", info.Label, info.Size)
		case info.Address%unit != 0 || info.Size%unit != 0:
			return nil, fmt.Errorf("flash: partition %s [%#x, +%d): %w", info.Label, info.Address, info.Size, ErrUnaligned)
		case info.Address < 0 || info.Address+info.Size > dev.Size():
			return nil, fmt.Errorf("flash: partition %s ends at %#x beyond device size %#x: %w", info.Label, info.Address+info.Size, dev.Size(), ErrOutOfBounds)
		}
		if _, dup := t.index[info.Label]; dup {
			return nil, fmt.Errorf("flash: duplicate partition label %q", info.Label)
		}
		p := &Partition{info: info, dev: dev}
		t.parts = append(t.parts, p)
		t.index[info.Label] = p
	}

	sorted := make([]*Partition, len(t.parts))
	copy(sorted, t.parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].info.Address < sorted[j].info.Address })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].info, sorted[i].info
		if prev.Address+prev.Size > cur.Address {
			return nil, fmt.Errorf("flash: partitions %s and %s overlap", prev.Label, cur.Label)
		}
	}
	return t, nil
}

// Device returns the underlying device.
func (t *Table) Device() *Device { return t.dev }

// Find returns the partition with the given label.
func (t *Table) Find(label string) (*Partition, error) {
	if p, ok := t.index[label]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, label)
}

// All returns the partitions in declaration order.
func (t *Table) All() []*Partition {
	out := make([]*Partition, len(t.parts))
	copy(out, t.parts)
	return out
}

// Select returns the partitions for which keep returns true.
func (t *Table) Select(keep func(Info) bool) []*Partition {
	var out []*Partition
	for _, p := range t.parts {
		if keep(p.info) {
			out = append(out, p)
		}
	}
	return out
}

// DefaultUpdateTarget returns the first OTA app partition.
func (t *Table) DefaultUpdateTarget() (*Partition, error) {
	for _, p := range t.parts {
		if p.info.IsOTA() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no OTA app partition", ErrNotFound)
}
