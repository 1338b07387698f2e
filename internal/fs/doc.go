// Package fs is the file layer under the block files, the manifest and the
// mutation log.
//
// [FileSystem] and [File] cover the positional I/O the index needs.
// [LocalFS] is the production implementation and [Default] its instance.
// [FaultyFS] wraps another FileSystem and injects errors by file name:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("blocks-", fs.Fault{FailAfterBytes: -1, FailOnRead: true})
//
// Rules are evaluated on every call, so a test can break reads of an open
// block file and later heal them.
//
// [Fdatasync] flushes file data without the metadata update of a full sync.
// [SyncDir] makes renames and new files in a directory durable.
//
// Calls take no context. Remote objects go through the blobstore package.
package fs
