// Package cache holds immutable blob blocks in memory.
//
// LRUBlockCache is a single-lock LRU bounded in bytes. ShardedLRUBlockCache
// spreads keys over 64 of them for concurrent readers. Both can charge the
// cached bytes to a resource.Controller.
package cache
