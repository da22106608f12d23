package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bkd/internal/cache"
)

const (
	defaultCacheBlockSize = 4 << 10
	// maxConcurrentFetches bounds parallel reads against the inner store.
	maxConcurrentFetches = 16
)

// CachingStore serves reads of another store through a block cache keyed
// by blob name. Writes and deletes drop the cached blocks of their blob.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

var (
	_ BlobStore         = (*CachingStore)(nil)
	_ ConditionalPutter = (*CachingStore)(nil)
)

// NewCachingStore wraps inner. A blockSize <= 0 selects 4 KiB blocks.
func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = defaultCacheBlockSize
	}
	return &CachingStore{inner: inner, cache: c, blockSize: blockSize}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedBlob{Blob: b, store: s, name: name}, nil
}

func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.cache.InvalidatePath(name)
	return s.inner.Create(ctx, name)
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.cache.InvalidatePath(name)
	return s.inner.Put(ctx, name, data)
}

// PutIfAbsent leaves the cache alone: a successful write creates a blob
// that had no cached blocks.
func (s *CachingStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	return PutIfAbsent(ctx, s.inner, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.InvalidatePath(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// cachedBlob reads through the store's cache. Size and Close go straight
// to the wrapped blob.
type cachedBlob struct {
	Blob
	store *CachingStore
	name  string
}

func (b *cachedBlob) key(blk int64) cache.Key {
	return cache.Key{Path: b.name, Block: uint64(blk)}
}

func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off < 0 || off >= size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), size)

	bs := b.store.blockSize
	first, last := off/bs, (end-1)/bs
	blocks, err := b.load(ctx, first, last)
	if err != nil {
		return 0, err
	}

	n := 0
	for i, data := range blocks {
		skip := max(off+int64(n)-(first+int64(i))*bs, 0)
		if skip >= int64(len(data)) {
			break
		}
		n += copy(p[n:end-off], data[skip:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// load returns blocks first..last. Cached blocks are taken as they are;
// each run of adjacent missing blocks is fetched with one inner read.
func (b *cachedBlob) load(ctx context.Context, first, last int64) ([][]byte, error) {
	blocks := make([][]byte, last-first+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i := 0; i < len(blocks); {
		if data, ok := b.store.cache.Get(ctx, b.key(first+int64(i))); ok {
			blocks[i] = data
			i++
			continue
		}
		j := i + 1
		for j < len(blocks) {
			if _, ok := b.store.cache.Get(ctx, b.key(first+int64(j))); ok {
				break
			}
			j++
		}
		run := blocks[i:j]
		start := first + int64(i)
		g.Go(func() error { return b.fetch(gctx, start, run) })
		i = j
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// fetch reads len(dst) blocks starting at block start into dst and caches
// each of them.
func (b *cachedBlob) fetch(ctx context.Context, start int64, dst [][]byte) error {
	bs := b.store.blockSize
	from := start * bs
	buf := make([]byte, min(int64(len(dst))*bs, b.Size()-from))
	n, err := b.Blob.ReadAt(ctx, buf, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	buf = buf[:n]
	for i := range dst {
		lo := int64(i) * bs
		if lo >= int64(len(buf)) {
			break
		}
		// Clone so a cached block does not pin the whole run.
		data := bytes.Clone(buf[lo:min(lo+bs, int64(len(buf)))])
		b.store.cache.Set(ctx, b.key(start+int64(i)), data)
		dst[i] = data
	}
	return nil
}

func (b *cachedBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || off >= b.Size() {
		return nil, io.EOF
	}
	off, end := clampRange(off, length, b.Size())
	return io.NopCloser(io.NewSectionReader(ctxReaderAt{ctx: ctx, b: b}, off, end-off)), nil
}

// ctxReaderAt binds a context to a Blob so it can serve as an io.ReaderAt.
type ctxReaderAt struct {
	ctx context.Context
	b   Blob
}

func (r ctxReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.b.ReadAt(r.ctx, p, off)
}
