// Package manifest implements atomic manifest persistence for the index.
//
// # Overview
//
// The manifest is the root of the committed on-disk state: the partition table
// (posting extents, entry lengths, live counts), the block allocation state, the
// applied log watermark, the stamp clock high water, the index configuration,
// the codec state and a reference to the deleted-id bitmap. Recovery starts
// from the manifest CURRENT points at.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic       (4 bytes) - 0x4C4D414E ("LMAN")
//	  Version     (2 bytes) - Format version (currently 1)
//	  Compression (2 bytes) - None, LZ4 or Zstd (internal/compress framing)
//	  Checksum    (4 bytes) - CRC32-IEEE of the stored payload
//	  Length      (4 bytes) - Stored payload length in bytes
//
//	Payload:
//	  ID, CreatedAt, IndexID, Dim, Metric, Codec, Normalize, BlockSize
//	  NextPartitionID, Clock, AppliedLSN
//	  Partitions[] (id, length, live, extents[])
//	  Files[] (no, high water), Free extents[]
//	  Deleted bitmap (extents[], length)
//	  Codec state (length-prefixed bytes)
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// Save follows a two-phase commit protocol:
//
//  1. Write manifest blob to MANIFEST-NNNNNN.bin (where N is the version ID)
//  2. Atomically update CURRENT to reference the new manifest
//
// On local filesystems both steps use temp file, fsync and rename. A crash
// between the steps leaves an unreferenced manifest that Prune removes later.
//
// # Thread Safety
//
// Load, LoadVersion, Save and DeleteVersion are serialized by a mutex.
package manifest
