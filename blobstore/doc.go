// Package blobstore provides the storage targets of store backups.
//
// BlobStore is the interface for reading and writing named blobs (segment
// logs, catalog files, backup manifests). Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Create(ctx, name) (WritableBlob, error)  // Create for writing
//	    Put(ctx, name, data) error               // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
