// Package blobstore provides storage for persisted trees.
//
// BlobStore is the interface for reading and writing immutable blobs. A tree
// is stored as a handful of blobs plus a descriptor written last.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local file system, mmap reads, atomic rename writes
//   - MemoryStore: in-memory, for tests
//   - CachingStore: read-through block cache over another store
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Stores that support conditional writes also implement ConditionalPutter,
// which tree persistence uses to commit descriptors.
package blobstore
