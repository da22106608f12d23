package cache

import "context"

// Key identifies one fixed-size block of a blob.
type Key struct {
	Path  string
	Block uint64
}

// BlockCache holds immutable blob blocks. Returned slices are read-only.
type BlockCache interface {
	Get(ctx context.Context, key Key) ([]byte, bool)
	// Set may retain b; the caller must not modify it afterwards.
	Set(ctx context.Context, key Key, b []byte)
	// InvalidatePath drops every block of the blob at path.
	InvalidatePath(path string)
	Stats() Stats
	Close() error
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Blocks  int
	Bytes   int64
	Evicted int64
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Hits:    s.Hits + o.Hits,
		Misses:  s.Misses + o.Misses,
		Blocks:  s.Blocks + o.Blocks,
		Bytes:   s.Bytes + o.Bytes,
		Evicted: s.Evicted + o.Evicted,
	}
}
