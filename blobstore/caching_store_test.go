package blobstore

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd/internal/cache"
)

// countingBlob records how many reads reach it.
type countingBlob struct {
	Blob
	mu        sync.Mutex
	reads     int
	readBytes int
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.mu.Lock()
	b.reads++
	b.readBytes += n
	b.mu.Unlock()
	return n, err
}

type countingStore struct {
	*MemoryStore
	blobs map[string]*countingBlob
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore(), blobs: make(map[string]*countingBlob)}
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.MemoryStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	cb := &countingBlob{Blob: b}
	s.blobs[name] = cb
	return cb, nil
}

func sequence(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestCachingStore_ReadAt(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	data := sequence(100)
	require.NoError(t, inner.Put(ctx, "tree.kdd", data))

	s := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20, nil), 10)
	b, err := s.Open(ctx, "tree.kdd")
	require.NoError(t, err)
	defer b.Close()
	counted := inner.blobs["tree.kdd"]

	buf := make([]byte, 25)
	n, err := b.ReadAt(ctx, buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, data[5:30], buf)
	// Blocks 0..2 are missing and contiguous: one read.
	assert.Equal(t, 1, counted.reads)
	assert.Equal(t, 30, counted.readBytes)

	n, err = b.ReadAt(ctx, buf[:10], 12)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[12:22], buf[:10])
	assert.Equal(t, 1, counted.reads)

	n, err = b.ReadAt(ctx, buf, 90)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[90:], buf[:n])

	_, err = b.ReadAt(ctx, buf, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCachingStore_ReadRange(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	data := sequence(64)
	require.NoError(t, inner.Put(ctx, "tree.kdi", data))

	s := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20, nil), 8)
	b, err := s.Open(ctx, "tree.kdi")
	require.NoError(t, err)

	rc, err := b.ReadRange(ctx, 6, 20)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data[6:26], got)

	rc, err = b.ReadRange(ctx, 60, 20)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data[60:], got)

	_, err = b.ReadRange(ctx, 64, 1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCachingStore_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(ctx, "blob", []byte("old-data")))

	c := cache.NewLRUBlockCache(1<<20, nil)
	s := NewCachingStore(inner, c, 4)

	read := func() string {
		b, err := s.Open(ctx, "blob")
		require.NoError(t, err)
		defer b.Close()
		got, err := ReadAll(ctx, b)
		require.NoError(t, err)
		return string(got)
	}
	assert.Equal(t, "old-data", read())

	require.NoError(t, s.Put(ctx, "blob", []byte("new-data")))
	assert.Equal(t, "new-data", read())

	require.NoError(t, s.Delete(ctx, "blob"))
	_, err := s.Open(ctx, "blob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := c.Get(ctx, cache.Key{Path: "blob", Block: 0})
	assert.False(t, ok)
}

func TestCachingStore_Canceled(t *testing.T) {
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(context.Background(), "blob", sequence(16)))
	s := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20, nil), 4)
	b, err := s.Open(context.Background(), "blob")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.ReadAt(ctx, make([]byte, 4), 0)
	assert.ErrorIs(t, err, context.Canceled)
}
