package flash

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Medium is the raw byte store behind a Device.
type Medium interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Sync() error
	Close() error
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	EraseUnit int64
	// Lenient stores old&new on a program over non-erased bytes, the way
	// NOR cells physically behave, instead of rejecting it.
	Lenient bool
}

// Stats counts operations issued against a Device.
type Stats struct {
	Reads           int64 `json:"reads"`
	Erases          int64 `json:"erases"`
	Programs        int64 `json:"programs"`
	BytesRead       int64 `json:"bytes_read"`
	BytesErased     int64 `json:"bytes_erased"`
	BytesProgrammed int64 `json:"bytes_programmed"`
}

// Device enforces erase/program semantics over a Medium.
// It is safe for concurrent use.
type Device struct {
	medium    Medium
	eraseUnit int64
	lenient   bool

	mu     sync.Mutex
	closed bool
	blank  []byte

	reads, erases, programs                 atomic.Int64
	bytesRead, bytesErased, bytesProgrammed atomic.Int64
}

// NewDevice wraps m. The medium size must be a multiple of the erase unit.
func NewDevice(m Medium, opts DeviceOptions) (*Device, error) {
	if opts.EraseUnit == 0 {
		opts.EraseUnit = DefaultEraseUnit
	}
	if opts.EraseUnit < 0 || opts.EraseUnit&(opts.EraseUnit-1) != 0 {
		return nil, fmt.Errorf("flash: erase unit %d is not a power of two", opts.EraseUnit)
	}
	if m.Size()%opts.EraseUnit != 0 {
		return nil, fmt.Errorf("flash: medium size %d is not a multiple of erase unit %d: %w", m.Size(), opts.EraseUnit, ErrUnaligned)
	}
	blank := make([]byte, opts.EraseUnit)
	for i := range blank {
		blank[i] = ErasedByte
	}
	return &Device{medium: m, eraseUnit: opts.EraseUnit, lenient: opts.Lenient, blank: blank}, nil
}

// EraseUnit returns the erase granularity in bytes.
func (d *Device) EraseUnit() int64 { return d.eraseUnit }

// Size returns the device capacity in bytes.
func (d *Device) Size() int64 { return d.medium.Size() }

func (d *Device) check(off, n int64) error {
	if d.closed {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > d.medium.Size() {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, off, off+n, d.medium.Size())
	}
	return nil
}

// ReadAt fills p from absolute offset off.
func (d *Device) ReadAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, int64(len(p))); err != nil {
		return err
	}
	if _, err := d.medium.ReadAt(p, off); err != nil {
		return fmt.Errorf("flash: read at %#x: %w", off, err)
	}
	d.reads.Add(1)
	d.bytesRead.Add(int64(len(p)))
	return nil
}

// Erase resets [off, off+n) to the erased value.
func (d *Device) Erase(off, n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, n); err != nil {
		return err
	}
	if off%d.eraseUnit != 0 || n%d.eraseUnit != 0 {
		return fmt.Errorf("%w: erase [%#x, +%d)", ErrUnaligned, off, n)
	}
	for pos := off; pos < off+n; pos += d.eraseUnit {
		if _, err := d.medium.WriteAt(d.blank, pos); err != nil {
			return fmt.Errorf("flash: erase at %#x: %w", pos, err)
		}
	}
	d.erases.Add(1)
	d.bytesErased.Add(n)
	return nil
}

// Program writes p at absolute offset off. Programming can only clear bits.
func (d *Device) Program(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, int64(len(p))); err != nil {
		return err
	}

	cur := make([]byte, len(p))
	if _, err := d.medium.ReadAt(cur, off); err != nil {
		return fmt.Errorf("flash: program read-back at %#x: %w", off, err)
	}
	for i := range cur {
		if cur[i]&p[i] != p[i] && !d.lenient {
			return fmt.Errorf("%w at %#x", ErrProgramConflict, off+int64(i))
		}
		cur[i] &= p[i]
	}
	if _, err := d.medium.WriteAt(cur, off); err != nil {
		return fmt.Errorf("flash: program at %#x: %w", off, err)
	}
	d.programs.Add(1)
	d.bytesProgrammed.Add(int64(len(p)))
	return nil
}

// Sync flushes the medium to stable storage.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.medium.Sync()
}

// Close syncs and releases the medium.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.medium.Sync(); err != nil {
		d.medium.Close()
		return err
	}
	return d.medium.Close()
}

// Stats returns a snapshot of the operation counters.
func (d *Device) Stats() Stats {
	return Stats{
		Reads:           d.reads.Load(),
		Erases:          d.erases.Load(),
		Programs:        d.programs.Load(),
		BytesRead:       d.bytesRead.Load(),
		BytesErased:     d.bytesErased.Load(),
		BytesProgrammed: d.bytesProgrammed.Load(),
	}
}
