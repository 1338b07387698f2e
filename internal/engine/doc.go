// Package engine wires the router, the posting store, the directory, the
// mutation log and the rebalancer into one index.
//
// # Files
//
// An index directory holds:
//
//	CURRENT               name of the committed manifest
//	MANIFEST-NNNNNN.bin   versioned manifests (the newest few are kept)
//	blocks-NNNNNN.dat     block files holding postings and the deleted-id set
//	wal/wal-<base>.log    mutation log segments
//
// # Writes
//
// Insert and Delete append to the log, update the posting and the directory
// synchronously, and then hand the touched partition to the rebalancer. A
// write returns only after the directory reflects it, so a following search
// sees it.
//
// # Checkpoints
//
// A checkpoint briefly blocks writers to capture the clock, the partition
// table and the deleted-id set, then syncs the block files and commits a new
// manifest. Log segments and extents covered by the manifest are released
// afterwards. Every split or merge ends with a checkpoint.
//
// # Recovery
//
// Open loads the manifest, registers the postings, rebuilds the directory by
// scanning them (the highest stamp wins, a tombstone wins a tie) and replays
// the log above the manifest watermark. Replay is idempotent: inserting a
// live id or deleting an absent one is a no-op.
package engine
