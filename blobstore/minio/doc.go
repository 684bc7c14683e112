// Package minio provides a BlobStore implementation using the MinIO client.
//
// It works with MinIO and other S3-compatible systems such as Ceph,
// SeaweedFS and Garage, without pulling in the AWS SDK.
//
// # Basic Usage
//
//	store, err := minioblob.New(minioblob.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "backups",
//	    Prefix:    "nightly/",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	manifest, err := db.Backup(ctx, store)
//
// An existing *minio.Client can be wrapped with NewStore.
package minio
