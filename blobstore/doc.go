// Package blobstore provides named-blob storage used for manifests and for
// backing up and restoring an index.
//
// BlobStore is the interface for reading and writing blobs. Implementations
// must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local directory; Put and Create are atomic (temp file, fsync, rename)
//   - MemoryStore: ordered in-memory map, for tests
//   - minio.Store: MinIO and other S3-compatible services
//   - s3.Store: Amazon S3, optionally with s3.DDBCommitStore for conditional
//     CURRENT pointer updates through DynamoDB
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
