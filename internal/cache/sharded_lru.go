package cache

import (
	"context"
	"errors"
	"hash/maphash"

	"github.com/hupe1980/bkd/resource"
)

const shardCount = 64

// ShardedLRUBlockCache splits its capacity over independent LRUs picked by
// key hash, so concurrent readers of different blocks rarely share a lock.
type ShardedLRUBlockCache struct {
	seed   maphash.Seed
	shards [shardCount]*LRUBlockCache
}

var _ BlockCache = (*ShardedLRUBlockCache)(nil)

// NewShardedLRUBlockCache returns a cache of about capacity bytes in total.
func NewShardedLRUBlockCache(capacity int64, rc *resource.Controller) *ShardedLRUBlockCache {
	s := &ShardedLRUBlockCache{seed: maphash.MakeSeed()}
	per := max(capacity/shardCount, 1)
	for i := range s.shards {
		s.shards[i] = NewLRUBlockCache(per, rc)
	}
	return s
}

func (s *ShardedLRUBlockCache) shardFor(key Key) *LRUBlockCache {
	var h maphash.Hash
	h.SetSeed(s.seed)
	h.WriteString(key.Path)
	var blk [8]byte
	for i := range blk {
		blk[i] = byte(key.Block >> (8 * i))
	}
	h.Write(blk[:])
	return s.shards[h.Sum64()%shardCount]
}

func (s *ShardedLRUBlockCache) Get(ctx context.Context, key Key) ([]byte, bool) {
	return s.shardFor(key).Get(ctx, key)
}

func (s *ShardedLRUBlockCache) Set(ctx context.Context, key Key, b []byte) {
	s.shardFor(key).Set(ctx, key, b)
}

// InvalidatePath visits every shard: blocks of one blob are spread across
// all of them.
func (s *ShardedLRUBlockCache) InvalidatePath(path string) {
	for _, sh := range s.shards {
		sh.InvalidatePath(path)
	}
}

// Stats sums the counters of all shards.
func (s *ShardedLRUBlockCache) Stats() Stats {
	var total Stats
	for _, sh := range s.shards {
		total = total.add(sh.Stats())
	}
	return total
}

// Size returns the cached bytes across shards.
func (s *ShardedLRUBlockCache) Size() int64 { return s.Stats().Bytes }

// usedShards counts shards holding at least one block.
func (s *ShardedLRUBlockCache) usedShards() int {
	n := 0
	for _, sh := range s.shards {
		if sh.Stats().Blocks > 0 {
			n++
		}
	}
	return n
}

func (s *ShardedLRUBlockCache) Close() error {
	var errs []error
	for _, sh := range s.shards {
		errs = append(errs, sh.Close())
	}
	return errors.Join(errs...)
}
