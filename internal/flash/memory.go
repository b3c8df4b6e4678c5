package flash

import (
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory Medium. New memory reads as erased.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory allocates size bytes of erased memory.
func NewMemory(size int64) *Memory {
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &Memory{data: data}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("memory: read offset %d out of range", off)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("memory: write [%d, +%d) out of range", off, len(p))
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Size() int64  { return int64(len(m.data)) }
func (m *Memory) Sync() error  { return nil }
func (m *Memory) Close() error { return nil }

// Bytes returns a copy of the contents.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
