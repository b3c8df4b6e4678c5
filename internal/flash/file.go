package flash

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// File is a Medium backed by an image file on disk.
type File struct {
	f    *os.File
	size int64
}

// LockMode selects the advisory lock OpenFile takes on the image.
type LockMode int

const (
	// LockExclusive is for writers: erase, program, clear, serve.
	LockExclusive LockMode = iota
	// LockShared is for readers; any number may hold it, but never
	// alongside an exclusive holder.
	LockShared
)

func (m LockMode) String() string {
	if m == LockShared {
		return "shared"
	}
	return "exclusive"
}

// OpenFile opens the flash image at path and locks it with mode without
// waiting; ErrDeviceBusy is returned when another open file holds a
// conflicting lock. A missing file is created and filled with erased bytes
// up to size. An existing file shorter than size is extended with erased
// bytes; size 0 adopts the existing length.
func OpenFile(path string, size int64, mode LockMode) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}
	if err := lockFile(f, mode); err != nil {
		f.Close()
		if errors.Is(err, ErrDeviceBusy) {
			return nil, fmt.Errorf("%w: %s (%s lock)", ErrDeviceBusy, path, mode)
		}
		return nil, fmt.Errorf("flash: lock %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}

	cur := fi.Size()
	switch {
	case size == 0:
		if cur == 0 {
			f.Close()
			return nil, fmt.Errorf("flash: %s is empty and no size was given: %w", path, fs.ErrInvalid)
		}
		size = cur
	case cur > size:
		f.Close()
		return nil, fmt.Errorf("flash: %s is %d bytes, larger than configured %d", path, cur, size)
	case cur < size:
		if err := fillErased(f, cur, size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f, size: size}, nil
}

func fillErased(f *os.File, from, to int64) error {
	chunk := make([]byte, DefaultEraseUnit)
	for i := range chunk {
		chunk[i] = ErasedByte
	}
	for pos := from; pos < to; {
		n := min(int64(len(chunk)), to-pos)
		if _, err := f.WriteAt(chunk[:n], pos); err != nil {
			return fmt.Errorf("flash: extend %s: %w", f.Name(), err)
		}
		pos += n
	}
	return syncFile(f)
}

func (m *File) ReadAt(p []byte, off int64) (int, error)  { return m.f.ReadAt(p, off) }
func (m *File) WriteAt(p []byte, off int64) (int, error) { return m.f.WriteAt(p, off) }
func (m *File) Size() int64                              { return m.size }
func (m *File) Sync() error                              { return syncFile(m.f) }

func (m *File) Close() error {
	if err := m.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
