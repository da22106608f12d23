// Package store provides the byte-level stream primitives used by the tree
// writer and reader.
//
// Output is an append-only encoder that tracks its file pointer and a running
// CRC32C so a checksum footer can be emitted when the stream is complete.
// Input is a random-access decoder over an immutable byte slice (usually a
// memory-mapped blob); clones share the backing bytes and own their cursor.
//
// Both types use a sticky error: after the first failure every further call is
// a no-op and Err reports the failure. Callers check Err once per logical
// record instead of after every primitive.
package store
