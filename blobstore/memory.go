package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
)

var errBlobClosed = errors.New("blobstore: write to closed blob")

// MemoryStore keeps blobs in a map. Stored slices are never mutated after
// they are published, so readers share them without copying.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var (
	_ BlobStore         = (*MemoryStore)(nil)
	_ ConditionalPutter = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) lookup(name string) ([]byte, bool) {
	m.mu.RLock()
	data, ok := m.blobs[name]
	m.mu.RUnlock()
	return data, ok
}

// publish stores data under name. With exclusive set, an existing blob
// wins and ErrConflict is returned.
func (m *MemoryStore) publish(name string, data []byte, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[name]; exists && exclusive {
		return ErrConflict
	}
	m.blobs[name] = data
	return nil
}

func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	data, ok := m.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	return bytesBlob(data), nil
}

func (m *MemoryStore) Create(_ context.Context, name string) (WritableBlob, error) {
	return &memoryWriter{store: m, name: name}, nil
}

func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	return m.publish(name, bytes.Clone(data), false)
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, name string, data []byte) error {
	return m.publish(name, bytes.Clone(data), true)
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.blobs, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	slices.Sort(names)
	return names, nil
}

// bytesBlob serves reads from a shared immutable slice.
type bytesBlob []byte

var _ Mappable = bytesBlob(nil)

func (b bytesBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b bytesBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || off >= int64(len(b)) {
		return nil, io.EOF
	}
	off, end := clampRange(off, length, int64(len(b)))
	return io.NopCloser(bytes.NewReader(b[off:end])), nil
}

func (b bytesBlob) Size() int64            { return int64(len(b)) }
func (b bytesBlob) Bytes() ([]byte, error) { return b, nil }
func (b bytesBlob) Close() error           { return nil }

// memoryWriter buffers a blob and publishes it on Close.
type memoryWriter struct {
	store *MemoryStore
	name  string
	buf   bytes.Buffer
	done  bool
}

var _ Aborter = (*memoryWriter)(nil)

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errBlobClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Sync() error { return nil }

func (w *memoryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.store.publish(w.name, w.buf.Bytes(), false)
}

// Abort drops the buffered bytes without publishing them.
func (w *memoryWriter) Abort() error {
	w.done = true
	w.buf = bytes.Buffer{}
	return nil
}
