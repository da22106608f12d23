package mmap

import (
	"io"
	"math"
	"os"
	"sync"
)

// Mapping is a read-only view of a whole file.
type Mapping struct {
	mu    sync.RWMutex
	data  []byte
	size  int64
	unmap func([]byte) error
	done  bool
}

// Open maps the file at path. An empty file yields an empty mapping that
// owns no kernel resources.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	switch size := fi.Size(); {
	case size < 0 || size > math.MaxInt:
		return nil, ErrInvalidSize
	case size == 0:
		return &Mapping{}, nil
	default:
		data, unmap, err := osMap(f, int(size))
		if err != nil {
			return nil, err
		}
		return &Mapping{data: data, size: size, unmap: unmap}, nil
	}
}

// view returns the mapped bytes under the read lock, or ErrClosed.
func (m *Mapping) view(fn func(data []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done {
		return ErrClosed
	}
	return fn(m.data)
}

// Bytes returns the mapped bytes, or nil once closed. The slice must not be
// used after Close.
func (m *Mapping) Bytes() []byte {
	var out []byte
	_ = m.view(func(data []byte) error {
		out = data
		return nil
	})
	return out
}

// Size returns the file length; it stays valid after Close.
func (m *Mapping) Size() int64 { return m.size }

// Section returns the bytes in [off, end) clamped to the mapping. The
// result aliases the mapping.
func (m *Mapping) Section(off, end int64) ([]byte, error) {
	var out []byte
	err := m.view(func(data []byte) error {
		size := int64(len(data))
		if off < 0 {
			return ErrInvalidOffset
		}
		if off >= size {
			return io.EOF
		}
		out = data[off:min(max(end, off), size)]
		return nil
	})
	return out, err
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	src, err := m.Section(off, off+int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, src)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Advise passes an access hint for the whole mapping.
func (m *Mapping) Advise(pattern AccessPattern) error {
	return m.view(func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		return osAdvise(data, pattern)
	})
}

// Close unmaps the file. Calling it again is a no-op.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}
	m.done = true
	data := m.data
	m.data = nil
	if m.unmap == nil || len(data) == 0 {
		return nil
	}
	return m.unmap(data)
}
