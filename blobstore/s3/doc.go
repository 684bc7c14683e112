// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", func(o *s3.Options) {
//	    o.Prefix = "backups/"
//	    o.Region = "us-east-1"
//	})
//
//	manifest, err := db.Backup(ctx, store)
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large segment logs
//   - CRC32C checksums on uploads
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
