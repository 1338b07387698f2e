// Package s3 stores index backups in Amazon S3.
//
//	store, err := s3.Dial(ctx, s3.Config{
//	    Bucket: "my-bucket",
//	    Prefix: "indexes/prod/",
//	    Region: "us-east-1",
//	})
//	err = idx.Backup(ctx, store, "2026-10-18")
//
// Block files are streamed with multipart uploads and read back with ranged
// GETs. Setting Config.CommitTable wraps the store in a DDBCommitStore,
// which keeps every CURRENT pointer in DynamoDB and commits it with a
// conditional write, so concurrent backups to one prefix fail instead of
// overwriting each other.
package s3
